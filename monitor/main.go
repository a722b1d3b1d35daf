// The monitor is a headless dashboard client: it consumes the simulator's
// broadcast channel through the reconciliation pipeline and periodically
// logs a fleet summary. With PULSE_REBOOT_ID set it also issues one reboot
// command, demonstrating the idempotent control path.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetpulse/fleetpulse/client"
	"github.com/fleetpulse/fleetpulse/telemetry"
)

func main() {
	wsURL := envDefault("PULSE_WS_URL", "ws://localhost:4001")
	apiURL := envDefault("PULSE_API_URL", "http://localhost:4002/control/reboot")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store := client.NewStore()
	intake := client.NewBatcher(func(batch []telemetry.Patch) {
		for _, p := range batch {
			store.Upsert(p)
		}
	}, 50*time.Millisecond, nil)

	ch := client.Connect(wsURL, client.Handlers{
		OnSeed:      store.SetDevices,
		OnTelemetry: intake,
	})
	defer ch.Close()

	if id := os.Getenv("PULSE_REBOOT_ID"); id != "" {
		commander := client.NewCommander(store, apiURL, client.CommanderOptions{})
		go func() {
			// Give the seed a moment to land so the optimistic update has
			// a device to attach to.
			time.Sleep(2 * time.Second)
			resp, err := commander.Reboot(ctx, id)
			if err != nil {
				log.Printf("reboot %s: %v", id, err)
				return
			}
			log.Printf("reboot %s: ok=%v dedup=%v reason=%q", id, resp.OK, resp.Dedup, resp.Reason)
		}()
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("shutting down")
			return
		case <-ticker.C:
			logSummary(ch, store)
		}
	}
}

func logSummary(ch *client.Channel, store *client.Store) {
	counts := map[telemetry.Status]int{}
	var latest int64
	for _, d := range store.Devices() {
		counts[d.Status]++
		if d.TS > latest {
			latest = d.TS
		}
	}
	log.Printf("channel=%s devices=%d online=%d offline=%d rebooting=%d error=%d lastUpdate=%s",
		ch.State(), store.Len(),
		counts[telemetry.StatusOnline], counts[telemetry.StatusOffline],
		counts[telemetry.StatusRebooting], counts[telemetry.StatusError],
		time.UnixMilli(latest).Format(time.RFC3339))
}

func envDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
