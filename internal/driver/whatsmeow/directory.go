package whatsmeow

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/whatsapp-automation/waweb/internal/driver"
)

func (d *Driver) Contacts(ctx context.Context) ([]driver.Contact, error) {
	all, err := d.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load contacts")
	}
	blocked := d.blockedSet(ctx)

	out := make([]driver.Contact, 0, len(all))
	for jid, info := range all {
		if jid.Server != types.DefaultUserServer {
			continue
		}
		c := toContact(jid, info)
		c.IsBlocked = blocked[jid.User]
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// blockedSet is best effort: a failed blocklist fetch only loses the flag.
func (d *Driver) blockedSet(ctx context.Context) map[string]bool {
	set := map[string]bool{}
	bl, err := d.client.GetBlocklist(ctx)
	if err != nil {
		d.log.WithError(err).Debug("[contacts] blocklist unavailable")
		return set
	}
	for _, jid := range bl.JIDs {
		set[jid.User] = true
	}
	return set
}

func toContact(jid types.JID, info types.ContactInfo) driver.Contact {
	name := info.FullName
	if name == "" {
		name = info.FirstName
	}
	return driver.Contact{
		ID:           jid.String(),
		Phone:        jid.User,
		Name:         name,
		PushName:     info.PushName,
		VerifiedName: info.BusinessName,
		IsSaved:      info.FullName != "" || info.FirstName != "",
		IsBusiness:   info.BusinessName != "",
	}
}

func (d *Driver) Contact(ctx context.Context, id string) (driver.Contact, error) {
	jid, err := parseJID(id)
	if err != nil {
		return driver.Contact{}, err
	}
	info, err := d.client.Store.Contacts.GetContact(ctx, jid)
	if err != nil {
		return driver.Contact{}, errors.Wrap(err, "load contact")
	}
	if !info.Found {
		return driver.Contact{}, driver.ErrNotFound
	}
	c := toContact(jid, info)
	c.IsBlocked = d.blockedSet(ctx)[jid.User]
	return c, nil
}

func (d *Driver) CheckNumber(ctx context.Context, phone string) (driver.NumberStatus, error) {
	resp, err := d.client.IsOnWhatsApp(ctx, []string{"+" + driver.NormalizePhone(phone)})
	if err != nil {
		return driver.NumberStatus{}, errors.Wrap(err, "check number")
	}
	for _, r := range resp {
		if r.IsIn {
			return driver.NumberStatus{Exists: true, ID: r.JID.String()}, nil
		}
	}
	return driver.NumberStatus{}, nil
}

// Chats merges the chat index with joined groups so groups without recent
// traffic are listed too.
func (d *Driver) Chats(ctx context.Context) ([]driver.Chat, error) {
	groups, err := d.client.GetJoinedGroups(ctx)
	if err != nil {
		d.log.WithError(err).Debug("[chats] joined groups unavailable")
	}
	for _, g := range groups {
		if d.chats.name(g.JID.String()) == "" {
			d.chats.touch(g.JID.String(), g.GroupName.Name, g.GroupCreated, false)
		}
	}
	return d.chats.list(), nil
}

func (d *Driver) Groups(ctx context.Context) ([]driver.Group, error) {
	groups, err := d.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "joined groups")
	}
	own := d.ownJID()

	out := make([]driver.Group, 0, len(groups))
	for _, g := range groups {
		grp := driver.Group{
			ID:           g.JID.String(),
			Name:         g.GroupName.Name,
			Participants: len(g.Participants),
			CreatedAt:    g.GroupCreated,
		}
		for _, p := range g.Participants {
			if p.JID.User == own.User && (p.IsAdmin || p.IsSuperAdmin) {
				grp.IsAdmin = true
				break
			}
		}
		out = append(out, grp)
	}
	return out, nil
}

func (d *Driver) SetBlocked(ctx context.Context, id string, block bool) error {
	jid, err := parseJID(id)
	if err != nil {
		return err
	}
	action := events.BlocklistChangeActionUnblock
	if block {
		action = events.BlocklistChangeActionBlock
	}
	if _, err := d.client.UpdateBlocklist(ctx, jid, action); err != nil {
		return errors.Wrap(err, "update blocklist")
	}
	return nil
}

func (d *Driver) SubscribePresence(ctx context.Context, id string) error {
	jid, err := parseJID(id)
	if err != nil {
		return err
	}
	if err := d.client.SubscribePresence(ctx, jid); err != nil {
		return errors.Wrap(err, "subscribe presence")
	}
	return nil
}
