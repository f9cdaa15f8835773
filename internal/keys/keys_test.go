package keys

import (
	"bytes"
	"math/rand"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodingPreservesOrder(t *testing.T) {
	sorted := []Key{
		New("a"),
		New("a", ""),
		New("a", "\x00"),
		New("a", "b"),
		New("a", "b", "c"),
		New("a", "c"),
		New("a\x00"),
		New("a\x00", "a"),
		New("ab"),
		New("b"),
		New("\xff"),
	}

	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		assert.Equal(t, -1, prev.Compare(cur), "%s < %s", prev, cur)
		assert.Equal(t, -1, bytes.Compare(prev.Encode(nil), cur.Encode(nil)), "enc(%s) < enc(%s)", prev, cur)
	}
}

func TestEncodingMatchesCompareOnRandomKeys(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alphabet := []string{"", "a", "b", "\x00", "\xff", "ab", "a\x00b"}

	randomKey := func() Key {
		k := make(Key, 1+rng.Intn(3))
		for i := range k {
			k[i] = alphabet[rng.Intn(len(alphabet))]
		}
		return k
	}

	for i := 0; i < 500; i++ {
		a, b := randomKey(), randomKey()
		assert.Equal(t, a.Compare(b), bytes.Compare(a.Encode(nil), b.Encode(nil)), "%s vs %s", a, b)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	for _, k := range []Key{New("chat", "0190"), New("", "x\x00y", "\x00\x00"), New("users")} {
		decoded, err := Decode(k.Encode(nil))
		require.NoError(t, err)
		assert.True(t, k.Equal(decoded), "%s != %s", k, decoded)
	}

	_, err := Decode([]byte("abc"))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = Decode([]byte{'a', 0x00})
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = Decode([]byte{'a', 0x00, 0x07})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestSpanCoversPrefixFamily(t *testing.T) {
	ns := []byte{'d'}
	start, end := New("chat").Span(ns)

	inside := []Key{New("chat"), New("chat", ""), New("chat", "\xff\xff"), New("chat", "x", "y")}
	outside := []Key{New("cha"), New("chat\x00"), New("chats"), New("chau"), New("users", "chat")}

	in := func(k Key) bool {
		enc := k.Encode(append([]byte(nil), ns...))
		return bytes.Compare(enc, start) >= 0 && bytes.Compare(enc, end) < 0
	}
	for _, k := range inside {
		assert.True(t, in(k), "%s should be inside", k)
		assert.True(t, k.HasPrefix(New("chat")))
	}
	for _, k := range outside {
		assert.False(t, in(k), "%s should be outside", k)
		assert.False(t, k.HasPrefix(New("chat")))
	}

	start, end = Key{}.Span(ns)
	assert.Equal(t, []byte{'d'}, start)
	assert.Equal(t, []byte{'e'}, end)
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x03}, PrefixEnd([]byte{0x01, 0x02}))
	assert.Equal(t, []byte{0x02}, PrefixEnd([]byte{0x01, 0xff}))
	assert.Nil(t, PrefixEnd([]byte{0xff, 0xff}))
	assert.Nil(t, PrefixEnd(nil))
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, Key{}.Validate(), ErrInvalidKey)
	assert.ErrorIs(t, Key(nil).Validate(), ErrInvalidKey)
	assert.NoError(t, New("").Validate())
	assert.NoError(t, Key{}.ValidatePrefix())

	huge := New(strings.Repeat("x", MaxKeySize))
	assert.ErrorIs(t, huge.Validate(), ErrInvalidKey)
	assert.ErrorIs(t, huge.ValidatePrefix(), ErrInvalidPrefix)
}

func TestKeyHelpers(t *testing.T) {
	base := New("users")
	k := base.Append("42", "profile")
	assert.Equal(t, Key{"users"}, base)
	assert.Equal(t, "profile", k.Last())
	assert.Equal(t, "", Key{}.Last())
	assert.Equal(t, `["users","42","profile"]`, k.String())
	assert.True(t, k.HasPrefix(New("users", "42")))
	assert.False(t, base.HasPrefix(k))

	ks := []Key{New("b"), New("a", "z"), New("a")}
	sort.Slice(ks, func(i, j int) bool { return ks[i].Compare(ks[j]) < 0 })
	assert.Equal(t, []Key{New("a"), New("a", "z"), New("b")}, ks)
}
