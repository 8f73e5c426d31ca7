package cache

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/require"
)

func newMockedCache(t *testing.T) (*RedisCache, redismock.ClientMock) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	c := NewFromClient(client)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
	})
	return c, mock
}

func TestGetHitAndMiss(t *testing.T) {
	c, mock := newMockedCache(t)
	ctx := context.Background()

	mock.ExpectGet("price_data:m1").SetVal(`{"momentId":"m1"}`)
	data, ok, err := c.Get(ctx, "price_data:m1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"momentId":"m1"}`, string(data))

	mock.ExpectGet("price_data:m2").RedisNil()
	_, ok, err = c.Get(ctx, "price_data:m2")
	require.NoError(t, err, "a miss is not an error")
	require.False(t, ok)
}

func TestSetWithTTL(t *testing.T) {
	c, mock := newMockedCache(t)

	mock.ExpectSet("alert:a1", []byte("payload"), TTLAlert).SetVal("OK")
	require.NoError(t, c.Set(context.Background(), "alert:a1", []byte("payload"), TTLAlert))
}

func TestDeleteIgnoresMissing(t *testing.T) {
	c, mock := newMockedCache(t)

	mock.ExpectDel("k1", "k2").SetVal(1)
	require.NoError(t, c.Delete(context.Background(), "k1", "k2"))

	// No keys, no round trip.
	require.NoError(t, c.Delete(context.Background()))
}

func TestIncrSetsTTLOnFirstOnly(t *testing.T) {
	c, mock := newMockedCache(t)
	ctx := context.Background()
	key := KeyHourlyTx + "u1"

	mock.ExpectIncr(key).SetVal(1)
	mock.ExpectExpire(key, TTLHourlyCounter).SetVal(true)
	n, err := c.Incr(ctx, key, TTLHourlyCounter)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	mock.ExpectIncr(key).SetVal(2)
	n, err = c.Incr(ctx, key, TTLHourlyCounter)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestJSONRoundTrip(t *testing.T) {
	c, mock := newMockedCache(t)
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	in := payload{Name: "x", Count: 3}

	mock.ExpectSet("k", []byte(`{"name":"x","count":3}`), time.Minute).SetVal("OK")
	require.NoError(t, c.SetJSON(ctx, "k", in, time.Minute))

	mock.ExpectGet("k").SetVal(`{"name":"x","count":3}`)
	var out payload
	ok, err := c.GetJSON(ctx, "k", &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in, out)

	mock.ExpectGet("gone").RedisNil()
	ok, err = c.GetJSON(ctx, "gone", &out)
	require.NoError(t, err)
	require.False(t, ok)

	mock.ExpectGet("bad").SetVal(`{truncated`)
	_, err = c.GetJSON(ctx, "bad", &out)
	require.Error(t, err)
}

func TestPing(t *testing.T) {
	c, mock := newMockedCache(t)

	mock.ExpectPing().SetVal("PONG")
	require.NoError(t, c.Ping(context.Background()))
}
