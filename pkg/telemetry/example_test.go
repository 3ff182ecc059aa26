package telemetry_test

import (
	"context"
	"fmt"
	"os"

	"github.com/openfroyo/realize/pkg/engine"
	"github.com/openfroyo/realize/pkg/telemetry"
)

// Example_engineWiring shows telemetry attached to an engine.
func Example_engineWiring() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"

	tel, err := telemetry.NewTelemetry(cfg, nil)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	eng := engine.New(engine.Options{Parallelism: 4}, tel.EngineOptions()...)
	result, err := eng.Run(context.Background(), func(r *engine.Reality) error {
		return nil
	})
	if err != nil {
		panic(err)
	}

	fmt.Println(result.Status)
	// Output: succeeded
}

// Example_eventStream demonstrates streaming warnings and errors as JSON lines.
func Example_eventStream() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.Enabled = true

	events, err := telemetry.NewEventPublisher(cfg.Events)
	if err != nil {
		panic(err)
	}
	events.Subscribe(telemetry.JSONLines(os.Stderr), telemetry.FilterByLevel("warning"))

	_ = engine.New(engine.Options{}, engine.WithObserver(events))
}
