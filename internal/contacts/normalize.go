package contacts

import (
	"sort"
	"strings"
	"time"

	"github.com/whatsapp-automation/waweb/internal/driver"
)

// Digit bounds for a phone number to count as a usable contact id.
// Persistence additionally rejects numbers longer than MaxPhoneDigits.
const (
	MinPhoneDigits = 10
	MaxPhoneDigits = 13
)

// Contact is a session address book entry ready for display.
type Contact struct {
	ID           string     `json:"id"`
	Phone        string     `json:"phone"`
	Name         string     `json:"name"`
	PushName     string     `json:"pushname,omitempty"`
	VerifiedName string     `json:"verifiedName,omitempty"`
	HasRealName  bool       `json:"hasRealName"`
	IsSaved      bool       `json:"isMyContact"`
	IsBusiness   bool       `json:"isBusiness"`
	IsBlocked    bool       `json:"isBlocked"`
	LastSeen     *time.Time `json:"lastSeen,omitempty"`
}

// DisplayName picks the best available name: saved name, then push
// name, then verified business name, then the formatted number.
func DisplayName(c driver.Contact, phone string) (name string, real bool) {
	for _, n := range []string{c.Name, c.PushName, c.VerifiedName} {
		if n = strings.TrimSpace(n); n != "" {
			return n, true
		}
	}
	return "+" + phone, false
}

func fromDriver(c driver.Contact, phone string) Contact {
	name, real := DisplayName(c, phone)
	id := c.ID
	if id == "" {
		id = driver.Address(phone)
	}
	return Contact{
		ID:           id,
		Phone:        phone,
		Name:         name,
		PushName:     c.PushName,
		VerifiedName: c.VerifiedName,
		HasRealName:  real,
		IsSaved:      c.IsSaved,
		IsBusiness:   c.IsBusiness,
		IsBlocked:    c.IsBlocked,
	}
}

func phoneOf(c driver.Contact) string {
	if p := driver.NormalizePhone(c.Phone); p != "" {
		return p
	}
	if driver.IsGroupAddress(c.ID) {
		return ""
	}
	return driver.PhoneFromAddress(c.ID)
}

// Normalize turns a raw driver listing into a deduplicated, sorted list.
//
// Entries are keyed by their digits-only phone; the first one seen wins.
// When two different numbers carry the same real name and exactly one of
// them starts with homePrefix, only that one is kept. Entries without a
// usable phone are dropped.
func Normalize(raw []driver.Contact, homePrefix string) []Contact {
	out := make([]Contact, 0, len(raw))
	byPhone := make(map[string]int, len(raw))
	byName := make(map[string]int)

	for _, rc := range raw {
		phone := phoneOf(rc)
		if len(phone) < MinPhoneDigits {
			continue
		}
		if _, dup := byPhone[phone]; dup {
			continue
		}
		c := fromDriver(rc, phone)

		if c.HasRealName && homePrefix != "" {
			key := strings.ToLower(c.Name)
			if i, seen := byName[key]; seen {
				prevHome := strings.HasPrefix(out[i].Phone, homePrefix)
				curHome := strings.HasPrefix(phone, homePrefix)
				switch {
				case curHome && !prevHome:
					delete(byPhone, out[i].Phone)
					out[i] = c
					byPhone[phone] = i
					continue
				case prevHome && !curHome:
					continue
				}
			} else {
				byName[key] = len(out)
			}
		}

		byPhone[phone] = len(out)
		out = append(out, c)
	}

	Sort(out)
	return out
}

// Sort orders contacts with real names first, then saved contacts, then
// alphabetically.
func Sort(list []Contact) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.HasRealName != b.HasRealName {
			return a.HasRealName
		}
		if a.IsSaved != b.IsSaved {
			return a.IsSaved
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
}

// Query filters and pages a contact listing. Page is 1-based.
type Query struct {
	Page      int
	Limit     int
	Search    string
	SavedOnly bool
}

// Page is one page of contacts.
type Page struct {
	Contacts     []Contact `json:"contacts"`
	Total        int       `json:"total"`
	Page         int       `json:"page"`
	Limit        int       `json:"limit"`
	TotalPages   int       `json:"totalPages"`
	HasMore      bool      `json:"hasMore"`
	FromCache    bool      `json:"fromCache"`
	Loading      bool      `json:"loading,omitempty"`
	RetryAfterMs int64     `json:"retryAfterMs,omitempty"`
}

func matches(c Contact, needle, digits string) bool {
	if needle == "" {
		return true
	}
	if strings.Contains(strings.ToLower(c.Name), needle) {
		return true
	}
	return digits != "" && strings.Contains(c.Phone, digits)
}

func paginate(all []Contact, q Query) *Page {
	needle := strings.ToLower(strings.TrimSpace(q.Search))
	digits := driver.NormalizePhone(needle)

	filtered := make([]Contact, 0, len(all))
	for _, c := range all {
		if q.SavedOnly && !c.IsSaved {
			continue
		}
		if matches(c, needle, digits) {
			filtered = append(filtered, c)
		}
	}

	p := &Page{Total: len(filtered), Page: q.Page, Limit: q.Limit, Contacts: []Contact{}}
	if q.Limit > 0 {
		p.TotalPages = p.Total / q.Limit
		if p.Total%q.Limit != 0 {
			p.TotalPages++
		}
	}
	start, end := pageBounds(len(filtered), q.Page, q.Limit)
	p.Contacts = filtered[start:end]
	p.HasMore = end < len(filtered)
	return p
}

// pageBounds returns the slice bounds of a 1-based page. Pages past the
// end, including ones whose offset would overflow, are empty.
func pageBounds(total, page, limit int) (start, end int) {
	if page < 1 || limit < 1 || page-1 > total/limit {
		return total, total
	}
	start = (page - 1) * limit
	return start, start + min(limit, total-start)
}
