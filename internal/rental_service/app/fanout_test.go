package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numrent/numrent/internal/rental_service/domain"
)

func testMessage(rentalID uuid.UUID) domain.Message {
	return *domain.NewMessage(rentalID, "Google", "G-123456", time.Now().UTC(), domain.SourceAPI)
}

func TestFanoutDeliversOnlyToMatchingRental(t *testing.T) {
	f := NewFanout(nil, testLogger())
	rentalA := uuid.New()
	rentalB := uuid.New()

	var gotA, gotB int
	f.Subscribe("consumer-1", rentalA, func(domain.Message) { gotA++ })
	f.Subscribe("consumer-1", rentalB, func(domain.Message) { gotB++ })

	f.Publish(context.Background(), testMessage(rentalA))
	f.Publish(context.Background(), testMessage(rentalA))

	assert.Equal(t, 2, gotA)
	assert.Equal(t, 0, gotB)
}

func TestFanoutResubscribeReplacesPriorRegistration(t *testing.T) {
	f := NewFanout(nil, testLogger())
	rentalID := uuid.New()

	var first, second int
	unsubFirst := f.Subscribe("consumer-1", rentalID, func(domain.Message) { first++ })
	f.Subscribe("consumer-1", rentalID, func(domain.Message) { second++ })

	f.Publish(context.Background(), testMessage(rentalID))
	assert.Equal(t, 0, first, "replaced handler must not fire")
	assert.Equal(t, 1, second)

	// A stale teardown from the first registration must not remove the
	// replacement.
	unsubFirst()
	f.Publish(context.Background(), testMessage(rentalID))
	assert.Equal(t, 2, second)
}

func TestFanoutUnsubscribeIsIdempotent(t *testing.T) {
	f := NewFanout(nil, testLogger())
	rentalID := uuid.New()

	var got int
	unsubscribe := f.Subscribe("consumer-1", rentalID, func(domain.Message) { got++ })
	unsubscribe()
	unsubscribe()

	f.Publish(context.Background(), testMessage(rentalID))
	assert.Equal(t, 0, got)
}

func TestFanoutMirrorsToBroker(t *testing.T) {
	broker := &fakeBrokerPublisher{}
	f := NewFanout(broker, testLogger())
	rentalID := uuid.New()
	msg := testMessage(rentalID)

	f.Publish(context.Background(), msg)

	require.Len(t, broker.subjects, 1)
	assert.Equal(t, "rental.messages."+rentalID.String(), broker.subjects[0])

	var mirrored domain.Message
	require.NoError(t, json.Unmarshal(broker.payloads[0], &mirrored))
	assert.Equal(t, msg.ID, mirrored.ID)
	assert.Equal(t, msg.Body, mirrored.Body)
}

func TestFanoutBrokerFailureDoesNotBlockLocalDelivery(t *testing.T) {
	broker := &fakeBrokerPublisher{err: errors.New("nats unavailable")}
	f := NewFanout(broker, testLogger())
	rentalID := uuid.New()

	var got int
	f.Subscribe("consumer-1", rentalID, func(domain.Message) { got++ })
	f.Publish(context.Background(), testMessage(rentalID))

	assert.Equal(t, 1, got)
}
