package contacts

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/waweb/internal/driver"
)

func sampleContacts() []driver.Contact {
	return []driver.Contact{
		{ID: "905551112233@s.whatsapp.net", Name: "Ali", IsSaved: true},
		{ID: "905551112233@s.whatsapp.net", PushName: "Dup"},
		{ID: "12345@s.whatsapp.net", Name: "Short"},
		{ID: "4915112345678@s.whatsapp.net", Name: "Mehmet", IsSaved: true},
		{ID: "905321234567@s.whatsapp.net", Name: "mehmet", IsSaved: true},
		{ID: "905559998877@s.whatsapp.net", Name: "Zeynep", IsSaved: true},
		{ID: "447700900123@s.whatsapp.net", Name: "Zeynep", IsSaved: true},
		{ID: "447700900456@s.whatsapp.net", PushName: "Bob"},
		{ID: "447700900789@s.whatsapp.net", IsSaved: true},
		{ID: "123456789012-1600000000@g.us", Name: "Family"},
		{Phone: "+1 (202) 555-0143", VerifiedName: "Biz", IsBusiness: true},
	}
}

func phones(list []Contact) []string {
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.Phone
	}
	return out
}

func TestNormalizeDedupesAndOrders(t *testing.T) {
	list := Normalize(sampleContacts(), "90")

	assert.Equal(t, []string{
		"905551112233",
		"905321234567",
		"905559998877",
		"12025550143",
		"447700900456",
		"447700900789",
	}, phones(list))

	assert.Equal(t, "Ali", list[0].Name, "first entry for a phone wins")
	assert.Equal(t, "12025550143@s.whatsapp.net", list[3].ID)
	assert.Equal(t, "Biz", list[3].Name)
	assert.True(t, list[3].IsBusiness)
	assert.Equal(t, "Bob", list[4].Name)

	last := list[5]
	assert.False(t, last.HasRealName)
	assert.Equal(t, "+447700900789", last.Name)
}

func TestNormalizeWithoutHomePrefixKeepsNameTwins(t *testing.T) {
	list := Normalize(sampleContacts(), "")
	assert.Contains(t, phones(list), "4915112345678")
	assert.Contains(t, phones(list), "905321234567")
	assert.Contains(t, phones(list), "447700900123")
}

func TestNormalizeHomePrefixIsConfigurable(t *testing.T) {
	list := Normalize(sampleContacts(), "49")
	ps := phones(list)
	assert.Contains(t, ps, "4915112345678")
	assert.NotContains(t, ps, "905321234567")
	// neither Zeynep starts with 49, so both stay
	assert.Contains(t, ps, "905559998877")
	assert.Contains(t, ps, "447700900123")
}

func TestDisplayNamePrecedence(t *testing.T) {
	cases := []struct {
		in   driver.Contact
		want string
		real bool
	}{
		{driver.Contact{Name: "Saved", PushName: "Push", VerifiedName: "Biz"}, "Saved", true},
		{driver.Contact{PushName: "Push", VerifiedName: "Biz"}, "Push", true},
		{driver.Contact{VerifiedName: "Biz"}, "Biz", true},
		{driver.Contact{Name: "   "}, "+905551112233", false},
	}
	for _, tc := range cases {
		name, real := DisplayName(tc.in, "905551112233")
		assert.Equal(t, tc.want, name)
		assert.Equal(t, tc.real, real)
	}
}

func TestPaginate(t *testing.T) {
	all := Normalize(sampleContacts(), "90")
	require.Len(t, all, 6)

	p := paginate(all, Query{Page: 2, Limit: 4})
	assert.Equal(t, 6, p.Total)
	assert.Equal(t, 2, p.TotalPages)
	assert.Len(t, p.Contacts, 2)
	assert.False(t, p.HasMore)

	p = paginate(all, Query{Page: 1, Limit: 4})
	assert.True(t, p.HasMore)

	p = paginate(all, Query{Page: 5, Limit: 4})
	assert.Empty(t, p.Contacts)
	assert.NotNil(t, p.Contacts)

	p = paginate(all, Query{Page: 1, Limit: 10, Search: "ALI"})
	assert.Equal(t, []string{"905551112233"}, phones(p.Contacts))

	p = paginate(all, Query{Page: 1, Limit: 10, Search: "+44 7700"})
	assert.Equal(t, 2, p.Total)

	p = paginate(all, Query{Page: 1, Limit: 10, SavedOnly: true})
	assert.Equal(t, 4, p.Total)
}

func TestPaginateHugePageIsEmpty(t *testing.T) {
	all := Normalize(sampleContacts(), "90")

	for _, q := range []Query{
		{Page: math.MaxInt64/500 + 2, Limit: 500},
		{Page: math.MaxInt, Limit: math.MaxInt},
		{Page: 2, Limit: math.MaxInt},
	} {
		p := paginate(all, q)
		assert.Empty(t, p.Contacts, "page %d limit %d", q.Page, q.Limit)
		assert.False(t, p.HasMore)
		assert.Equal(t, 6, p.Total)
	}

	p := paginate(all, Query{Page: 1, Limit: math.MaxInt})
	assert.Len(t, p.Contacts, 6)
	assert.Equal(t, 1, p.TotalPages)
}

func TestPageBounds(t *testing.T) {
	cases := []struct {
		total, page, limit int
		start, end         int
	}{
		{10, 1, 4, 0, 4},
		{10, 3, 4, 8, 10},
		{10, 4, 4, 10, 10},
		{0, 1, 4, 0, 0},
		{10, 0, 4, 10, 10},
		{10, 1, 0, 10, 10},
		{10, math.MaxInt, 3, 10, 10},
	}
	for _, tc := range cases {
		start, end := pageBounds(tc.total, tc.page, tc.limit)
		assert.Equal(t, tc.start, start, "%+v", tc)
		assert.Equal(t, tc.end, end, "%+v", tc)
	}
}
