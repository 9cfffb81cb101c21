package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/tg-crawler/internal/models"
)

// mockJetStream records the last publish call.
type mockJetStream struct {
	subject string
	data    any
	err     error
}

func (m *mockJetStream) Publish(_ context.Context, subject string, data any) error {
	m.subject = subject
	m.data = data
	return m.err
}

func TestNATSPublisher_PublishEntityDiscovered(t *testing.T) {
	mock := &mockJetStream{}
	pub := NewNATSPublisher(mock)

	event := models.NewEntityDiscoveredEvent(models.Entity{
		ID:            1001,
		Username:      "btcchat",
		Title:         "Bitcoin chat",
		Type:          models.EntityMegagroup,
		DiscoveryTerm: "bitcoin",
		DiscoveryDate: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, pub.PublishEntityDiscovered(context.Background(), event))

	assert.Equal(t, models.SubjectEntitiesDiscovered, mock.subject)
	got, ok := mock.data.(models.EntityDiscoveredEvent)
	require.True(t, ok)
	assert.Equal(t, int64(1001), got.EntityID)
	assert.Equal(t, "bitcoin", got.Term)
}

func TestNATSPublisher_PublishMembersDiscovered(t *testing.T) {
	mock := &mockJetStream{}
	pub := NewNATSPublisher(mock)

	err := pub.PublishMembersDiscovered(context.Background(), models.MembersDiscoveredEvent{
		EntityID:   1001,
		Status:     "completed",
		NewMembers: 3,
		ByStrategy: map[string]int{"direct": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, models.SubjectMembersDiscovered, mock.subject)
}

func TestNATSPublisher_WrapsError(t *testing.T) {
	boom := errors.New("nats down")
	pub := NewNATSPublisher(&mockJetStream{err: boom})

	err := pub.PublishMembersDiscovered(context.Background(), models.MembersDiscoveredEvent{EntityID: 7})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "7")
}
