package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/streamrec/core"
)

func TestMemoryLog_PartitionsByKey(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog(4)
	for i := range 20 {
		require.NoError(t, l.Produce(ctx, &core.Record{Topic: "t", Key: []byte("u1"), Value: []byte(fmt.Sprint(i))}))
	}
	require.NoError(t, l.Produce(ctx, &core.Record{Topic: "t", Key: []byte("u2"), Value: []byte("x")}))
	assert.Equal(t, 21, l.Len("t"))

	sub := l.Subscribe("g", 100, "t")
	recs, err := sub.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 21)

	var u1 []string
	for _, r := range recs {
		if string(r.Key) == "u1" {
			assert.Equal(t, l.Partition([]byte("u1")), r.Partition)
			u1 = append(u1, string(r.Value))
		}
	}
	require.Len(t, u1, 20)
	for i, v := range u1 {
		assert.Equal(t, fmt.Sprint(i), v, "per-key order is preserved")
	}
}

func TestMemoryLog_FetchBlocksUntilProduce(t *testing.T) {
	l := NewMemoryLog(2)
	sub := l.Subscribe("g", 10, "t")

	got := make(chan []*core.Record, 1)
	go func() {
		recs, err := sub.Fetch(context.Background())
		assert.NoError(t, err)
		got <- recs
	}()
	select {
	case <-got:
		t.Fatal("fetch returned before any record was produced")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, l.Produce(context.Background(), &core.Record{Topic: "t", Key: []byte("k")}))
	select {
	case recs := <-got:
		assert.Len(t, recs, 1)
	case <-time.After(time.Second):
		t.Fatal("fetch did not wake up")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := sub.Fetch(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryLog_CommitResumesGroup(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog(1)
	for i := range 5 {
		require.NoError(t, l.Produce(ctx, &core.Record{Topic: "t", Key: []byte("k"), Value: []byte(fmt.Sprint(i))}))
	}

	sub := l.Subscribe("g", 3, "t")
	recs, err := sub.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.NoError(t, sub.Commit(ctx, recs[:2]...))
	assert.Equal(t, int64(2), l.Committed("g", "t", 0))
	assert.Equal(t, int64(3), l.Lag("g", "t"))

	// 新订阅者从已提交位点重新消费
	again := l.Subscribe("g", 10, "t")
	recs, err = again.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "2", string(recs[0].Value))

	// 位点不后退
	require.NoError(t, again.Commit(ctx, recs[2]))
	require.NoError(t, again.Commit(ctx, recs[0]))
	assert.Equal(t, int64(5), l.Committed("g", "t", 0))

	other := l.Subscribe("other", 10, "t")
	recs, err = other.Fetch(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 5)
}

func TestMemoryLog_Close(t *testing.T) {
	l := NewMemoryLog(1)
	sub := l.Subscribe("g", 10, "t")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err := sub.Fetch(context.Background())
	assert.True(t, core.IsUnavailable(err))
	err = l.Produce(context.Background(), &core.Record{Topic: "t"})
	assert.True(t, core.IsUnavailable(err))
}

func TestDecode_InvalidPayload(t *testing.T) {
	_, err := Decode[core.UserAction](&core.Record{Topic: "t", Value: []byte("{")})
	assert.True(t, core.IsValidation(err))

	a := core.UserAction{UserID: "u", ItemID: "i", Action: core.ActionLike, Timestamp: time.Unix(1700000000, 0).UTC()}
	rec, err := ActionRecord("actions", a)
	require.NoError(t, err)
	assert.Equal(t, []byte("u"), rec.Key)
	got, err := Decode[core.UserAction](rec)
	require.NoError(t, err)
	assert.Equal(t, a, got)
}
