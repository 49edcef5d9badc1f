package whatsmeow

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/mdp/qrterminal/v3"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/whatsapp-automation/waweb/internal/driver"
)

const (
	reasonConnectionLost = "connection lost"
	reasonConflict       = "CONFLICT"
)

func (d *Driver) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			img, err := qrDataURL(item.Code)
			if err != nil {
				d.log.WithError(err).Warn("[qr] could not render image")
			}
			if d.cfg.PrintQR {
				fmt.Fprintf(os.Stdout, "Scan QR for session %s:\n", d.sessionID)
				qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, os.Stdout)
			}
			d.log.WithField("expires", item.Timeout).Info("[qr] new code")
			d.emit(driver.QR{Code: item.Code, Image: img})
		case whatsmeow.QRChannelSuccess.Event:
			// PairSuccess already reported it.
			d.log.Info("[qr] paired")
			return
		case whatsmeow.QRChannelTimeout.Event:
			d.emit(driver.AuthFailure{Message: "QR code timeout"})
			return
		case whatsmeow.QRChannelEventError:
			d.emit(driver.AuthFailure{Message: fmt.Sprintf("pairing failed: %v", item.Error)})
			return
		default:
			d.emit(driver.AuthFailure{Message: item.Event})
			return
		}
	}
}

// qrDataURL renders code as a PNG data URL.
func qrDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

func (d *Driver) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		d.emit(driver.Ready{Info: d.accountInfo()})

	case *events.PairSuccess:
		d.log.WithField("device", v.ID.String()).Info("[pair] paired with device")
		d.emit(driver.Authenticated{})

	case *events.Disconnected:
		d.emit(driver.Disconnected{Reason: reasonConnectionLost})

	case *events.StreamReplaced:
		d.log.Warn("[connect] stream replaced by another client")
		d.emit(driver.Disconnected{Reason: reasonConflict})

	case *events.LoggedOut:
		d.log.WithField("reason", v.Reason.String()).Warn("[connect] logged out")
		d.emit(driver.Disconnected{Reason: driver.ReasonLogout, LoggedOut: true})

	case *events.ConnectFailure:
		d.emit(driver.AuthFailure{Message: fmt.Sprintf("connect failure: %s %s", v.Reason.String(), v.Message)})

	case *events.TemporaryBan:
		d.emit(driver.AuthFailure{Message: v.String()})

	case *events.ClientOutdated:
		d.emit(driver.AuthFailure{Message: "client outdated"})

	case *events.Message:
		msg := d.convertMessage(v)
		d.chats.touch(msg.ChatID, msg.ChatName, msg.Timestamp, !msg.FromMe)
		d.emit(msg)

	case *events.Receipt:
		if level, ok := ackLevel(v.Type); ok {
			d.emit(driver.Ack{
				MessageIDs: append([]string(nil), v.MessageIDs...),
				ChatID:     v.Chat.String(),
				Level:      level,
				Timestamp:  v.Timestamp,
			})
		}

	case *events.Contact:
		d.emit(driver.ContactChanged{ID: v.JID.ToNonAD().String()})
	case *events.PushName:
		d.emit(driver.ContactChanged{ID: v.JID.ToNonAD().String()})
	case *events.BusinessName:
		d.emit(driver.ContactChanged{ID: v.JID.ToNonAD().String()})

	case *events.JoinedGroup:
		d.chats.touch(v.JID.String(), v.GroupName.Name, v.GroupCreated, false)
		d.emit(driver.GroupJoined{GroupID: v.JID.String(), Name: v.GroupName.Name})

	case *events.GroupInfo:
		own := d.ownJID()
		for _, left := range v.Leave {
			if left.User == own.User && left.Server == own.Server {
				d.chats.remove(v.JID.String())
				d.emit(driver.GroupLeft{GroupID: v.JID.String()})
				break
			}
		}

	case *events.Presence:
		d.emit(driver.Presence{
			ID:        v.From.ToNonAD().String(),
			Available: !v.Unavailable,
			LastSeen:  v.LastSeen,
		})

	case *events.HistorySync:
		n := d.chats.loadHistory(v.Data.GetConversations())
		d.log.WithField("chats", n).Debug("[history] chat index updated")
	}
}

func (d *Driver) accountInfo() driver.AccountInfo {
	info := driver.AccountInfo{
		PushName: d.client.Store.PushName,
		Platform: d.client.Store.Platform,
	}
	if d.client.Store.ID != nil {
		info.Phone = d.client.Store.ID.User
	}
	return info
}

func ackLevel(t events.ReceiptType) (int, bool) {
	switch t {
	case events.ReceiptTypeDelivered:
		return driver.AckReceived, true
	case events.ReceiptTypeRead, events.ReceiptTypeReadSelf:
		return driver.AckRead, true
	case events.ReceiptTypePlayed:
		return driver.AckPlayed, true
	}
	return 0, false
}

func (d *Driver) convertMessage(v *events.Message) driver.Message {
	info := v.Info
	msg := driver.Message{
		ID:        info.ID,
		ChatID:    info.Chat.ToNonAD().String(),
		From:      info.Sender.ToNonAD().String(),
		PushName:  info.PushName,
		IsGroup:   info.IsGroup,
		FromMe:    info.IsFromMe,
		Timestamp: info.Timestamp,
	}
	msg.Body, msg.Type, msg.Media = messageContent(v.Message)
	if info.IsGroup {
		msg.ChatName = d.chats.name(msg.ChatID)
	}
	return msg
}

// messageContent extracts the text, the message type and a downloadable
// media descriptor from a protocol message.
func messageContent(m *waE2E.Message) (body, kind string, media *driver.IncomingMedia) {
	if m == nil {
		return "", "chat", nil
	}
	switch {
	case m.GetConversation() != "":
		return m.GetConversation(), "chat", nil
	case m.GetExtendedTextMessage() != nil:
		return m.GetExtendedTextMessage().GetText(), "chat", nil
	case m.GetImageMessage() != nil:
		img := m.GetImageMessage()
		return img.GetCaption(), "image", &driver.IncomingMedia{MimeType: img.GetMimetype(), Size: img.GetFileLength(), Handle: img}
	case m.GetVideoMessage() != nil:
		vid := m.GetVideoMessage()
		return vid.GetCaption(), "video", &driver.IncomingMedia{MimeType: vid.GetMimetype(), Size: vid.GetFileLength(), Handle: vid}
	case m.GetAudioMessage() != nil:
		aud := m.GetAudioMessage()
		return "", "audio", &driver.IncomingMedia{MimeType: aud.GetMimetype(), Size: aud.GetFileLength(), Handle: aud}
	case m.GetDocumentMessage() != nil:
		doc := m.GetDocumentMessage()
		return doc.GetCaption(), "document", &driver.IncomingMedia{
			MimeType: doc.GetMimetype(),
			FileName: doc.GetFileName(),
			Size:     doc.GetFileLength(),
			Handle:   doc,
		}
	case m.GetStickerMessage() != nil:
		st := m.GetStickerMessage()
		return "", "sticker", &driver.IncomingMedia{MimeType: st.GetMimetype(), Size: st.GetFileLength(), Handle: st}
	}
	return "", "chat", nil
}
