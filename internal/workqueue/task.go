package workqueue

import (
	"encoding/json"
	"time"
)

// Task kinds dispatched by the processor.
const (
	KindHealthProbe     = "health_probe"
	KindWebhookDelivery = "webhook_delivery"
)

// Task is one asynchronous unit of work. Probes, verification steps and
// webhook deliveries all travel through the queue as tasks so a slow unit
// never blocks an unrelated one.
type Task struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	NextRunAt time.Time       `json:"next_run_at"`
	CreatedAt time.Time       `json:"created_at"`
}

// Stats reports queue depth.
type Stats struct {
	Scheduled int64 `json:"scheduled"`
	Ready     int64 `json:"ready"`
}
