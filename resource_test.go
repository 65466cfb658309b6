package coap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResource_DefaultPayloadPrefersTextPlain(t *testing.T) {
	t.Parallel()

	r := NewResource("/sensor", true, false, false)
	r.SetPayload(AppJSON, []byte(`{"v":1}`))
	r.SetPayload(TextPlain, []byte("1"))

	ct, p, ok := r.DefaultPayload()
	assert.True(t, ok)
	assert.Equal(t, TextPlain, ct)
	assert.Equal(t, []byte("1"), p)
}

func TestResource_DefaultPayloadFallsBackToFirstSet(t *testing.T) {
	t.Parallel()

	r := NewResource("/sensor", true, false, false)
	r.SetPayload(AppJSON, []byte(`{"v":1}`))

	ct, p, ok := r.DefaultPayload()
	assert.True(t, ok)
	assert.Equal(t, AppJSON, ct)
	assert.Equal(t, []byte(`{"v":1}`), p)
}

func TestResource_DefaultPayloadEmptyWhenNoneSet(t *testing.T) {
	t.Parallel()

	r := NewResource("/empty", true, false, false)
	_, _, ok := r.DefaultPayload()
	assert.False(t, ok)
}

func TestResource_ContentFormatsListsEverySetFormat(t *testing.T) {
	t.Parallel()

	r := NewResource("/multi", true, false, false)
	r.SetPayload(TextPlain, []byte("a"))
	r.SetPayload(AppJSON, []byte("b"))

	formats := r.ContentFormats()
	assert.ElementsMatch(t, []MediaType{TextPlain, AppJSON}, formats)
}

func TestResource_ETagRoundTrip(t *testing.T) {
	t.Parallel()

	r := NewResource("/x", true, false, false)
	assert.Nil(t, r.ETag())

	r.SetETag([]byte{0x01, 0x02})
	assert.Equal(t, []byte{0x01, 0x02}, r.ETag())
}

func TestResource_MaxAgeUnsetByDefault(t *testing.T) {
	t.Parallel()

	r := NewResource("/x", true, false, false)
	_, ok := r.MaxAge()
	assert.False(t, ok)

	r.SetMaxAge(120)
	v, ok := r.MaxAge()
	assert.True(t, ok)
	assert.Equal(t, uint32(120), v)
}

func TestResource_ChangedAndDeletedFlagsTakeAndClear(t *testing.T) {
	t.Parallel()

	r := NewResource("/x", true, true, false)
	assert.False(t, r.TakeChanged())

	r.MarkChanged()
	assert.True(t, r.TakeChanged())
	assert.False(t, r.TakeChanged(), "TakeChanged must clear the flag")

	r.MarkDeleted()
	assert.True(t, r.TakeDeleted())
	assert.False(t, r.TakeDeleted())
}

func TestResource_BumpObserveCountWrapsModulo2Pow24(t *testing.T) {
	t.Parallel()

	r := NewResource("/x", true, true, false)
	r.observeCount = observeModulus - 1

	assert.Equal(t, uint32(0), r.bumpObserveCount())
	assert.Equal(t, uint32(1), r.bumpObserveCount())
}

func TestResource_LinkFormatOmitsUnsetAttributes(t *testing.T) {
	t.Parallel()

	r := NewResource("/sensor/temp", true, false, false)
	assert.Equal(t, "</sensor/temp>", r.LinkFormat())
}

func TestResource_LinkFormatOrdersAttributesRtIfSzCt(t *testing.T) {
	t.Parallel()

	r := NewResource("/sensor/temp", true, false, false)
	r.AddContentType(TextPlain)
	r.SetResourceType("temperature-c")
	r.SetInterfaceType("sensor")
	r.SetMaximumSizeEstimate("16")

	got := r.LinkFormat()
	assert.Equal(t, `</sensor/temp>;rt="temperature-c";if="sensor";sz="16";ct=0`, got)
}

func TestResource_AddContentTypeAppendsMultipleValues(t *testing.T) {
	t.Parallel()

	r := NewResource("/x", true, false, false)
	r.AddContentType(TextPlain)
	r.AddContentType(AppJSON)

	got := r.LinkFormat()
	assert.Contains(t, got, "ct=0 50")
}
