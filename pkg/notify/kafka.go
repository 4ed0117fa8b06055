package notify

import (
	"context"

	"github.com/andrej220/sshgate/pkg/kafkautil"
)

// KafkaSink publishes events as JSON keyed by execution id.
type KafkaSink struct {
	writer kafkautil.MessageWriter
}

func NewKafkaSink(w kafkautil.MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (k *KafkaSink) Notify(ctx context.Context, e Event) error {
	return kafkautil.Publish(ctx, k.writer, e.ExecutionID[:], e)
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
