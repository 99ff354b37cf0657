// Package event publishes collection changes to Kafka.
package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/utafrali/storefront/internal/domain"
	"github.com/utafrali/storefront/internal/engine"
	"github.com/utafrali/storefront/internal/view"
	pkgkafka "github.com/utafrali/storefront/pkg/kafka"
	"github.com/utafrali/storefront/pkg/logger"
)

// Kafka topics for collection events.
var (
	TopicCollectionUpdated = pkgkafka.Topic("storefront.collection", "updated")
	TopicCollectionCleared = pkgkafka.Topic("storefront.collection", "cleared")
)

// SourceStorefront identifies events originating from this service.
const SourceStorefront = "storefront"

// CollectionData is the payload of both collection events.
type CollectionData struct {
	DeviceID    string     `json:"device_id"`
	UserID      string     `json:"user_id,omitempty"`
	Collection  string     `json:"collection"`
	Items       []ItemData `json:"items"`
	ItemCount   int        `json:"item_count"`
	TotalAmount int64      `json:"total_amount"`
}

// ItemData is one item within a collection event.
type ItemData struct {
	ItemID    string `json:"item_id"`
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Price     int64  `json:"price"`
	Quantity  int    `json:"quantity"`
}

type publisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Producer publishes collection events.
type Producer struct {
	kafka  publisher
	logger *slog.Logger
}

// NewProducer creates an event producer.
func NewProducer(kafka *pkgkafka.Producer, logger *slog.Logger) *Producer {
	return &Producer{kafka: kafka, logger: logger}
}

// Publish sends data to topic. The aggregate is the user when identified,
// the device otherwise.
func (p *Producer) Publish(ctx context.Context, topic string, data CollectionData) error {
	aggregateID := data.UserID
	if aggregateID == "" {
		aggregateID = data.DeviceID
	}

	ev, err := pkgkafka.NewEvent(topic, aggregateID, data.Collection, SourceStorefront, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}
	ev.WithCorrelationID(logger.CorrelationIDFromContext(ctx)).
		WithMetadata("device_id", data.DeviceID)

	if err := p.kafka.Publish(ctx, topic, ev); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}
	return nil
}

// Listener returns an engine listener publishing the collection of one
// device. userID reports the identity the view belongs to. An updated event
// follows every non-empty view; a cleared event follows the first empty view
// after a non-empty one. Publish failures are logged only.
func Listener[T domain.Item[T]](p *Producer, collection, deviceID string, userID func() string) engine.Listener[T] {
	var (
		mu       sync.Mutex
		nonEmpty bool
	)
	return func(ctx context.Context, v view.View[T]) {
		mu.Lock()
		wasNonEmpty := nonEmpty
		nonEmpty = v.Len() > 0
		mu.Unlock()

		topic := TopicCollectionUpdated
		if v.Len() == 0 {
			if !wasNonEmpty {
				return
			}
			topic = TopicCollectionCleared
		}

		data := CollectionData{
			DeviceID:    deviceID,
			UserID:      userID(),
			Collection:  collection,
			Items:       items(v),
			ItemCount:   v.Count(),
			TotalAmount: v.Total(),
		}
		if err := p.Publish(ctx, topic, data); err != nil {
			logger.WithContext(ctx, p.logger).ErrorContext(ctx, "failed to publish collection event",
				slog.String("topic", topic),
				slog.String("collection", collection),
				slog.String("error", err.Error()),
			)
		}
	}
}

func items[T domain.Item[T]](v view.View[T]) []ItemData {
	out := make([]ItemData, 0, v.Len())
	for _, item := range v.Items() {
		key := item.ItemKey()
		out = append(out, ItemData{
			ItemID:    item.ItemID(),
			ProductID: key.ProductID,
			VariantID: key.VariantID,
			Price:     item.UnitPrice(),
			Quantity:  item.Units(),
		})
	}
	return out
}
