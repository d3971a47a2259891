package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ygrebnov/goroutine/codec"
)

func TestProtocol_RequestRoundTrip(t *testing.T) {
	arg, err := codec.Encode("payload")
	require.NoError(t, err)

	in := &Request{UID: 7, Target: int64(3), Sig: 0xDEADBEEF, Args: []Raw{arg}}
	b, err := EncodeRequest(in)
	require.NoError(t, err)

	out := Parse(b)
	req, ok := out.(*Request)
	require.True(t, ok)
	require.Equal(t, uint64(7), req.UID)
	require.Equal(t, uint32(0xDEADBEEF), req.Sig)

	idx, ok := req.Index()
	require.True(t, ok)
	require.Equal(t, 3, idx)

	require.Len(t, req.Args, 1)
	v, err := codec.Decode(req.Args[0])
	require.NoError(t, err)
	require.Equal(t, "payload", v)
}

func TestProtocol_SourceTarget(t *testing.T) {
	in := &Request{UID: 1, Target: "func() int { return 1 }", Sig: 42}
	b, err := EncodeRequest(in)
	require.NoError(t, err)

	req, ok := Parse(b).(*Request)
	require.True(t, ok)

	src, ok := req.Source()
	require.True(t, ok)
	require.Equal(t, "func() int { return 1 }", src)

	_, ok = req.Index()
	require.False(t, ok)
}

func TestProtocol_ResponseRoundTrip(t *testing.T) {
	errBlob, err := codec.Encode(nil)
	require.NoError(t, err)
	result, err := codec.Encode(int64(25))
	require.NoError(t, err)

	b, err := EncodeResponse(&Response{UID: 9, Err: errBlob, Result: result})
	require.NoError(t, err)

	resp, ok := Parse(b).(*Response)
	require.True(t, ok)
	require.Equal(t, uint64(9), resp.UID)

	v, err := codec.Decode(resp.Result)
	require.NoError(t, err)
	require.Equal(t, int64(25), v)
}

func TestProtocol_Tokens(t *testing.T) {
	for _, tok := range []string{TokenReady, TokenTick} {
		b, err := EncodeToken(tok)
		require.NoError(t, err)
		require.Equal(t, tok, Parse(b))
	}
}

func TestProtocol_ToleratesOutOfBandFraming(t *testing.T) {
	junk := [][]byte{
		{},
		{0x01, 0x02, 0x03},
		{0xc1},
	}
	for _, b := range junk {
		require.Nil(t, Parse(b))
	}

	// Well-formed msgpack that is none of the three shapes.
	cases := []any{
		"HELLO",
		42,
		[]any{1, 2},
		[]any{1, 2, 3, 4, 5},
		[]any{"uid", int64(0), uint32(0), []any{}},
		[]any{int64(1), true, uint32(0), []any{}},
		[]any{int64(1), "not an error shape", nil},
		map[string]any{"k": "v"},
	}
	for _, c := range cases {
		b, err := msgpack.Marshal(c)
		require.NoError(t, err)
		require.Nil(t, Parse(b), "case %v", c)
	}
}
