package key

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNodePublicTextRoundTrip(t *testing.T) {
	priv := NewNode()
	pub := priv.Public()

	s := pub.Marshal()
	assert.Regexp(t, "^nodekey:[0-9a-f]{64}$", s)

	got, err := UnmarshalPublic(s)
	assert.NoError(t, err)
	assert.Equal(t, pub, *got)
}

func TestUnmarshalPublicOperatorForms(t *testing.T) {
	pub := NewNode().Public()

	for _, s := range []string{
		pub.Marshal(),
		`"` + pub.Marshal() + `"`,
		pub.HexString(),
		" " + pub.HexString() + "\n",
	} {
		got, err := UnmarshalPublic(s)
		if assert.NoError(t, err, s) {
			assert.Equal(t, pub, *got, s)
		}
	}

	_, err := UnmarshalPublic("privkey:" + pub.HexString())
	assert.Error(t, err)
}

func TestNakedKeyFingerprint(t *testing.T) {
	var a, b NakedKey
	rand(a[:])
	rand(b[:])

	assert.Len(t, a.Debug(), 8)
	assert.Equal(t, a.Debug(), a.Debug())
	assert.NotEqual(t, a.Debug(), b.Debug())
	assert.NotContains(t, a.Debug(), NodePublic(a).HexString()[:8])

	assert.True(t, NakedKey{}.IsZero())
	assert.False(t, a.IsZero())
	assert.True(t, a.Equal(a))
	assert.False(t, a.Equal(b))
}

func TestNodePrivateTextRoundTrip(t *testing.T) {
	priv := NewNode()

	got, err := UnmarshalPrivate(priv.Marshal())
	assert.NoError(t, err)
	assert.True(t, priv.Equal(*got))
	assert.Equal(t, priv.Public(), got.Public())
}

func TestNodePublicJSON(t *testing.T) {
	pub := NewNode().Public()

	b, err := json.Marshal(struct{ K NodePublic }{pub})
	assert.NoError(t, err)

	var out struct{ K NodePublic }
	assert.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, pub, out.K)
}

func TestParseHexRejects(t *testing.T) {
	var pub NodePublic

	// wrong prefix
	assert.Error(t, pub.UnmarshalText([]byte("privkey:"+NewNode().Public().HexString())))
	// short
	assert.Error(t, pub.UnmarshalText([]byte("nodekey:abcd")))
	// bad character
	bad := []byte("nodekey:" + NewNode().Public().HexString())
	bad[len(bad)-1] = 'z'
	assert.Error(t, pub.UnmarshalText(bad))
}

func TestZeroNodePrivatePanics(t *testing.T) {
	assert.True(t, NodePrivate{}.IsZero())
	assert.Panics(t, func() {
		NodePrivate{}.Public()
	})
}

func TestSessionKeyPresharedSymmetric(t *testing.T) {
	var a, b NakedKey
	rand(a[:])
	rand(b[:])

	local := SessionKey{Send: a, Recv: b}
	remote := local.Mirror()

	assert.Equal(t, local.PresharedKey(), remote.PresharedKey())
	assert.False(t, local.PresharedKey().IsZero())
	assert.True(t, remote.Mirror().Equal(local))

	other := SessionKey{Send: a, Recv: a}
	assert.NotEqual(t, local.PresharedKey(), other.PresharedKey())
}
