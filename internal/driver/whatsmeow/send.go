package whatsmeow

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/whatsapp-automation/waweb/internal/driver"
)

func (d *Driver) SendText(ctx context.Context, to, body string, opts driver.SendOptions) (driver.SendReceipt, error) {
	jid, err := parseJID(to)
	if err != nil {
		return driver.SendReceipt{}, err
	}

	msg := &waE2E.Message{Conversation: proto.String(body)}
	if opts.QuotedID != "" {
		msg = &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(body),
			ContextInfo: quoteContext(jid, opts.QuotedID),
		}}
	}
	return d.send(ctx, jid, msg)
}

func quoteContext(chat types.JID, quotedID string) *waE2E.ContextInfo {
	ci := &waE2E.ContextInfo{
		StanzaID:      proto.String(quotedID),
		QuotedMessage: &waE2E.Message{Conversation: proto.String("")},
	}
	if chat.Server == types.DefaultUserServer {
		ci.Participant = proto.String(chat.String())
	}
	return ci
}

func (d *Driver) send(ctx context.Context, jid types.JID, msg *waE2E.Message) (driver.SendReceipt, error) {
	resp, err := d.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return driver.SendReceipt{}, errors.Wrap(err, "send message")
	}
	d.chats.touch(jid.String(), "", resp.Timestamp, false)
	return driver.SendReceipt{MessageID: resp.ID, Timestamp: resp.Timestamp}, nil
}

func (d *Driver) SendMedia(ctx context.Context, to string, media driver.Media, caption string, opts driver.SendOptions) (driver.SendReceipt, error) {
	jid, err := parseJID(to)
	if err != nil {
		return driver.SendReceipt{}, err
	}
	data, err := d.mediaBytes(ctx, media)
	if err != nil {
		return driver.SendReceipt{}, err
	}

	mime := media.MimeType
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	kind := uploadType(mime)
	up, err := d.client.Upload(ctx, data, kind)
	if err != nil {
		return driver.SendReceipt{}, errors.Wrap(err, "upload media")
	}
	d.log.WithField("size", humanize.Bytes(uint64(len(data)))).Debugf("[media] uploaded %s", mime)

	var ctxInfo *waE2E.ContextInfo
	if opts.QuotedID != "" {
		ctxInfo = quoteContext(jid, opts.QuotedID)
	}
	return d.send(ctx, jid, mediaMessage(kind, up, mime, media.FileName, caption, ctxInfo))
}

func (d *Driver) mediaBytes(ctx context.Context, media driver.Media) ([]byte, error) {
	if media.Base64 != "" {
		data, err := base64.StdEncoding.DecodeString(media.Base64)
		if err != nil {
			return nil, errors.Wrap(err, "decode media")
		}
		return data, nil
	}
	if media.URL == "" {
		return nil, errors.New("media has neither data nor URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, media.URL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "media request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch media")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetch media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, d.cfg.MaxMediaBytes+1))
	if err != nil {
		return nil, errors.Wrap(err, "read media")
	}
	if int64(len(data)) > d.cfg.MaxMediaBytes {
		return nil, errors.Errorf("media exceeds %s", humanize.IBytes(uint64(d.cfg.MaxMediaBytes)))
	}
	return data, nil
}

func uploadType(mime string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mime, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

func mediaMessage(kind whatsmeow.MediaType, up whatsmeow.UploadResponse, mime, fileName, caption string, ci *waE2E.ContextInfo) *waE2E.Message {
	switch kind {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       optional(caption),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			ContextInfo:   ci,
		}}
	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       optional(caption),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			ContextInfo:   ci,
		}}
	case whatsmeow.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			ContextInfo:   ci,
		}}
	default:
		if fileName == "" {
			fileName = "file"
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       optional(caption),
			Title:         proto.String(fileName),
			FileName:      proto.String(fileName),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			ContextInfo:   ci,
		}}
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}

// Revoke deletes one of our own messages for everyone in the chat.
func (d *Driver) Revoke(ctx context.Context, chatID, messageID string) error {
	chat, err := parseJID(chatID)
	if err != nil {
		return err
	}
	_, err = d.client.SendMessage(ctx, chat, d.client.BuildRevoke(chat, types.EmptyJID, messageID))
	if err != nil {
		return errors.Wrap(err, "revoke message")
	}
	return nil
}

func (d *Driver) DownloadMedia(ctx context.Context, media *driver.IncomingMedia) ([]byte, error) {
	if media == nil {
		return nil, errors.New("no media")
	}
	dl, ok := media.Handle.(whatsmeow.DownloadableMessage)
	if !ok {
		return nil, errors.Errorf("media handle %T is not downloadable", media.Handle)
	}
	data, err := d.client.Download(ctx, dl)
	if err != nil {
		return nil, errors.Wrap(err, "download media")
	}
	return data, nil
}
