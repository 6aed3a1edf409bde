package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pubsubtesting "github.com/syntrixbase/searchfolder/internal/core/pubsub/testing"
	"github.com/syntrixbase/searchfolder/internal/search/types"
)

func TestPublisher_Notifications(t *testing.T) {
	mockPub := pubsubtesting.NewMockPublisher()
	p := NewPublisher(mockPub, nil)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	ctx := context.Background()
	p.RowAdded(ctx, 1, 100, 7)
	p.RowRemoved(ctx, 1, 100, 8)
	p.RowModified(ctx, 1, 100, 9)
	p.CounterChanged(ctx, 1, 100)
	p.SearchComplete(ctx, 1, 100)

	msgs := mockPub.Messages()
	require.Len(t, msgs, 5)

	wantSubjects := []string{
		"row_added.1.100",
		"row_removed.1.100",
		"row_modified.1.100",
		"counter_changed.1.100",
		"search_complete.1.100",
	}
	for i, m := range msgs {
		assert.Equal(t, wantSubjects[i], m.Subject)
	}

	var n Notification
	require.NoError(t, json.Unmarshal(msgs[0].Data, &n))
	assert.Equal(t, Notification{Kind: KindRowAdded, StoreID: 1, FolderID: 100, ObjectID: 7, At: fixed}, n)

	var counter map[string]any
	require.NoError(t, json.Unmarshal(msgs[3].Data, &counter))
	_, hasObject := counter["object_id"]
	assert.False(t, hasObject)
}

func TestPublisher_PublishErrorIsSwallowed(t *testing.T) {
	mockPub := pubsubtesting.NewMockPublisher()
	mockPub.SetError(errors.New("nats down"))
	p := NewPublisher(mockPub, nil)

	assert.NotPanics(t, func() {
		p.CounterChanged(context.Background(), 1, 100)
	})
	assert.Empty(t, mockPub.Messages())
}

type countingNotifier struct {
	types.NoopNotifier
	added, counters int
}

func (c *countingNotifier) RowAdded(ctx context.Context, storeID, folderID, objectID int64) {
	c.added++
}

func (c *countingNotifier) CounterChanged(ctx context.Context, storeID, folderID int64) {
	c.counters++
}

func TestMulti(t *testing.T) {
	a, b := &countingNotifier{}, &countingNotifier{}
	m := Multi{a, b}
	ctx := context.Background()

	m.RowAdded(ctx, 1, 2, 3)
	m.CounterChanged(ctx, 1, 2)
	m.RowRemoved(ctx, 1, 2, 3)
	m.RowModified(ctx, 1, 2, 3)
	m.SearchComplete(ctx, 1, 2)

	assert.Equal(t, 1, a.added)
	assert.Equal(t, 1, b.added)
	assert.Equal(t, 1, a.counters)
	assert.Equal(t, 1, b.counters)
}
