package writeset

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestCollectionRoundTrip(t *testing.T) {
	var c = Collection{
		Header: Header{
			Version:  Version,
			Flags:    FlagCommit,
			Source:   uuid.MustParse("9f2c1a34-0d7e-4b6a-91c5-08f2ab36d401"),
			ConnID:   7,
			TrxID:    42,
			LastSeen: 1234,
		},
		Sets: []WriteSet{
			{
				Level: LevelStatement,
				Keys:  []Key{Key("users/1"), Key("users/2")},
				Queries: []Query{
					{Statement: []byte("UPDATE users SET name = 'a' WHERE id = 1"),
						Timestamp: 1288514121, RandSeed: 0xdeadbeef},
					{Statement: []byte("DELETE FROM users WHERE id = 2"),
						Timestamp: 1288514122, RandSeed: 7},
				},
			},
			{
				Level: LevelData,
				Keys:  []Key{Key("rows/9")},
				Data:  []byte{0x00, 0x01, 0x02, 0xff},
			},
		},
	}

	var b = c.Marshal(nil)

	var out Collection
	require.NoError(t, out.Unmarshal(b))

	// Bit-exact: statement timestamps and seeds included.
	require.True(t, c.Equal(&out))
	require.Equal(t, c.Header, out.Header)
	require.Equal(t, int64(1288514121), out.Sets[0].Queries[0].Timestamp)
	require.Equal(t, uint32(0xdeadbeef), out.Sets[0].Queries[0].RandSeed)

	// Re-marshalling the parsed collection is byte-identical.
	require.Equal(t, b, out.Marshal(nil))
}

func TestConnCollection(t *testing.T) {
	var c = Collection{
		Header: Header{Version: Version, ConnID: 3, TrxID: ConnTrxID},
		Sets: []WriteSet{
			{Level: LevelStatement, Queries: []Query{
				{Statement: []byte("CREATE TABLE t (id INT)"), Timestamp: 1},
			}},
		},
	}
	require.True(t, c.IsConn())

	var b = c.Marshal(nil)
	var out Collection
	require.NoError(t, out.Unmarshal(b))
	require.True(t, out.IsConn())
}

func TestModifiedKeys(t *testing.T) {
	var c = Collection{
		Sets: []WriteSet{
			{Level: LevelStatement, Keys: []Key{Key("a"), Key("b")}},
			{Level: LevelData, Keys: []Key{Key("c")}},
		},
	}
	require.Equal(t, []Key{Key("a"), Key("b"), Key("c")}, c.ModifiedKeys())
}

func TestUnmarshalRejectsUnknownLevel(t *testing.T) {
	var c = Collection{
		Header: Header{Version: Version},
		Sets:   []WriteSet{{Level: Level(9), Keys: []Key{Key("k")}}},
	}
	var b = c.Marshal(nil)

	var out Collection
	var err = out.Unmarshal(b)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnknownLevel))
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	var out Collection
	require.Error(t, out.Unmarshal([]byte("not a collection")))
	require.Error(t, out.Unmarshal(nil))

	// Truncation anywhere within the payload fails cleanly.
	var c = Collection{
		Header: Header{Version: Version},
		Sets: []WriteSet{
			{Level: LevelData, Keys: []Key{Key("k")}, Data: []byte("payload")},
		},
	}
	var b = c.Marshal(nil)
	for i := 1; i < len(b); i++ {
		require.Error(t, out.Unmarshal(b[:i]), "prefix of %d bytes", i)
	}
}

func TestUnmarshalRejectsTrailingContent(t *testing.T) {
	var c = Collection{Header: Header{Version: Version}}
	var b = append(c.Marshal(nil), 0xee)

	var out Collection
	require.Error(t, out.Unmarshal(b))
}

func TestUnmarshalRejectsWrongVersion(t *testing.T) {
	var c = Collection{Header: Header{Version: Version}}
	var b = c.Marshal(nil)
	b[4] = Version + 1

	var out Collection
	require.Error(t, out.Unmarshal(b))
}
