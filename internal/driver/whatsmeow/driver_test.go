package whatsmeow

import (
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/whatsapp-automation/waweb/internal/driver"
)

func TestMessageContent(t *testing.T) {
	body, kind, media := messageContent(&waE2E.Message{Conversation: proto.String("hi")})
	assert.Equal(t, "hi", body)
	assert.Equal(t, "chat", kind)
	assert.Nil(t, media)

	body, kind, _ = messageContent(&waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("quoted")}})
	assert.Equal(t, "quoted", body)
	assert.Equal(t, "chat", kind)

	doc := &waE2E.DocumentMessage{
		Caption:    proto.String("invoice"),
		FileName:   proto.String("inv.pdf"),
		Mimetype:   proto.String("application/pdf"),
		FileLength: proto.Uint64(2048),
	}
	body, kind, media = messageContent(&waE2E.Message{DocumentMessage: doc})
	assert.Equal(t, "invoice", body)
	assert.Equal(t, "document", kind)
	require.NotNil(t, media)
	assert.Equal(t, "inv.pdf", media.FileName)
	assert.EqualValues(t, 2048, media.Size)
	assert.Same(t, doc, media.Handle)
	_, ok := media.Handle.(whatsmeow.DownloadableMessage)
	assert.True(t, ok)

	_, kind, media = messageContent(&waE2E.Message{StickerMessage: &waE2E.StickerMessage{Mimetype: proto.String("image/webp")}})
	assert.Equal(t, "sticker", kind)
	assert.Equal(t, "image/webp", media.MimeType)

	_, kind, media = messageContent(nil)
	assert.Equal(t, "chat", kind)
	assert.Nil(t, media)
}

func TestAckLevel(t *testing.T) {
	cases := map[events.ReceiptType]int{
		events.ReceiptTypeDelivered: driver.AckReceived,
		events.ReceiptTypeRead:      driver.AckRead,
		events.ReceiptTypeReadSelf:  driver.AckRead,
		events.ReceiptTypePlayed:    driver.AckPlayed,
	}
	for rt, want := range cases {
		got, ok := ackLevel(rt)
		assert.True(t, ok, rt)
		assert.Equal(t, want, got, rt)
	}
	_, ok := ackLevel(events.ReceiptTypeRetry)
	assert.False(t, ok)
}

func TestUploadType(t *testing.T) {
	assert.Equal(t, whatsmeow.MediaImage, uploadType("image/png"))
	assert.Equal(t, whatsmeow.MediaVideo, uploadType("video/mp4"))
	assert.Equal(t, whatsmeow.MediaAudio, uploadType("audio/ogg"))
	assert.Equal(t, whatsmeow.MediaDocument, uploadType("application/pdf"))

	msg := mediaMessage(whatsmeow.MediaDocument, whatsmeow.UploadResponse{URL: "u", FileLength: 3}, "application/pdf", "", "", nil)
	require.NotNil(t, msg.GetDocumentMessage())
	assert.Equal(t, "file", msg.GetDocumentMessage().GetFileName())
	assert.Nil(t, msg.GetDocumentMessage().Caption)
}

func TestQuoteContext(t *testing.T) {
	user := types.NewJID("905551234567", types.DefaultUserServer)
	ci := quoteContext(user, "ABC")
	assert.Equal(t, "ABC", ci.GetStanzaID())
	assert.Equal(t, user.String(), ci.GetParticipant())

	group := types.NewJID("120363-1", types.GroupServer)
	assert.Empty(t, quoteContext(group, "ABC").GetParticipant())
}

func TestQRDataURL(t *testing.T) {
	img, err := qrDataURL("2@abc,def,ghi")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(img, "data:image/png;base64,"))
}

func TestIsProxyError(t *testing.T) {
	assert.True(t, isProxyError(errors.New("socks connect tcp: connection refused")))
	assert.True(t, isProxyError(errors.New("proxy: authentication failed")))
	assert.False(t, isProxyError(errors.New("websocket: bad handshake")))
	assert.False(t, isProxyError(nil))
}

func TestParseJID(t *testing.T) {
	jid, err := parseJID("+90 555 123 45 67")
	require.NoError(t, err)
	assert.Equal(t, "905551234567@s.whatsapp.net", jid.String())

	jid, err = parseJID("905551234567@c.us")
	require.NoError(t, err)
	assert.Equal(t, types.DefaultUserServer, jid.Server)

	_, err = parseJID("@s.whatsapp.net")
	assert.Error(t, err)
}

func TestChatIndex(t *testing.T) {
	idx := newChatIndex()
	t0 := time.Unix(1_700_000_000, 0)

	idx.touch("111@s.whatsapp.net", "", t0, true)
	idx.touch("222@g.us", "Team", t0.Add(time.Minute), false)
	idx.touch("111@s.whatsapp.net", "", t0.Add(-time.Hour), true)

	n := idx.loadHistory([]*waHistorySync.Conversation{
		{ID: proto.String("333@s.whatsapp.net"), Name: proto.String("Bob"), UnreadCount: proto.Uint32(4), ConversationTimestamp: proto.Uint64(uint64(t0.Add(time.Hour).Unix()))},
		{ID: proto.String("")},
	})
	assert.Equal(t, 1, n)

	list := idx.list()
	require.Len(t, list, 3)
	assert.Equal(t, "333@s.whatsapp.net", list[0].ID)
	assert.Equal(t, 4, list[0].UnreadCount)
	assert.Equal(t, "222@g.us", list[1].ID)
	assert.True(t, list[1].IsGroup)
	assert.Equal(t, "Team", idx.name("222@g.us"))
	assert.Equal(t, 2, list[2].UnreadCount)
	assert.Equal(t, t0, list[2].LastActivity)

	idx.remove("222@g.us")
	assert.Len(t, idx.list(), 2)
}
