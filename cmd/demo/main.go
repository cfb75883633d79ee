package main

// 單機示範：一筆工作從派單、逾時轉派、接單到追蹤結束的完整流程
//
//	go run ./cmd/demo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"time"

	"github.com/ChuLiYu/labor-dispatch/internal/directory"
	"github.com/ChuLiYu/labor-dispatch/internal/dispatch"
	"github.com/ChuLiYu/labor-dispatch/internal/jobstore"
	"github.com/ChuLiYu/labor-dispatch/internal/notify"
	"github.com/ChuLiYu/labor-dispatch/internal/registry"
	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

// event 推播到某條連線的事件
type event struct {
	conn string
	name string
	data string
}

// console 把推播印到終端機，同時交給示範流程等待
type console struct {
	events chan event
}

func (c *console) Send(connID, name string, payload any) bool {
	data, _ := json.Marshal(payload)
	c.events <- event{conn: connID, name: name, data: string(data)}
	return true
}

func (c *console) await(conn, name string, timeout time.Duration) event {
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-c.events:
			fmt.Printf("  📨 %-22s %-16s %s\n", ev.conn, ev.name, truncate(ev.data, 60))
			if ev.conn == conn && ev.name == name {
				return ev
			}
		case <-deadline:
			log.Fatalf("timed out waiting for %s on %s", name, conn)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// north 從原點往北 km 公里的座標
func north(origin types.Location, km float64) types.Location {
	return types.Location{Lat: origin.Lat + km/111.2, Lon: origin.Lon}
}

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	site := types.Location{Lat: 25.0330, Lon: 121.5654}

	out := &console{events: make(chan event, 64)}
	notifier := notify.NewDispatcher(notify.PushNotifier{Channel: out}, 16, time.Second, logger)
	if err := notifier.Start(1); err != nil {
		log.Fatalf("Failed to start notifier: %v", err)
	}
	defer notifier.Stop()

	cfg := dispatch.DefaultConfig()
	cfg.OfferTimeout = 2 * time.Second
	cfg.RetryCooldown = 3 * time.Second

	dir := directory.NewMemory()
	sched := dispatch.NewScheduler(cfg, dispatch.Deps{
		Store:     jobstore.NewMemory(),
		Registry:  registry.New(),
		Directory: dir,
		Push:      out,
		Notifier:  notifier,
		Logger:    logger,
	})
	defer sched.Stop()

	workers := []struct {
		phone string
		name  string
		km    float64
	}{
		{"0912000001", "阿明", 0.8},
		{"0912000002", "小華", 1.5},
	}
	for _, w := range workers {
		if err := sched.SetWorkerAvailability(ctx, w.phone, true); err != nil {
			log.Fatalf("Failed to set availability: %v", err)
		}
		id := registry.Identity{ID: "w-" + w.phone, Phone: w.phone, Name: w.name, WorkerType: "mason"}
		if err := sched.RegisterWorker(ctx, "worker:"+w.phone, id, north(site, w.km), []string{"mason"}); err != nil {
			log.Fatalf("Failed to register worker: %v", err)
		}
		fmt.Printf("✓ Worker %s (%s) online, %.1f km from site\n", w.name, w.phone, w.km)
	}

	job, err := sched.PostJob(ctx, dispatch.NewJob{
		ContractorID: "c-demo",
		Title:        "砌磚半日",
		Amount:       1800,
		Location:     site,
		WorkerType:   "mason",
	})
	if err != nil {
		log.Fatalf("Failed to post job: %v", err)
	}
	fmt.Printf("\n✓ Job %s posted\n\n", job.ID)

	first := "worker:" + workers[0].phone
	second := "worker:" + workers[1].phone
	contractor := "contractor:c-demo"

	fmt.Println("⏳ Nearest worker gets the offer and ignores it...")
	out.await(first, "job_offer", time.Second)
	out.await(first, "offer_withdrawn", cfg.OfferTimeout+time.Second)

	fmt.Println("\n⏳ Offer moves to the next worker, who accepts...")
	out.await(second, "job_offer", time.Second)
	if _, err := sched.Accept(ctx, job.ID, workers[1].phone); err != nil {
		log.Fatalf("Accept failed: %v", err)
	}
	out.await(contractor, "job_accepted", time.Second)

	fmt.Println("\n⏳ Worker heads to the site, location is forwarded...")
	if err := sched.UpdateWorkerLocation(ctx, second, north(site, 0.4)); err != nil {
		log.Fatalf("Location update failed: %v", err)
	}
	out.await(contractor, "worker_location", time.Second)

	fmt.Println("\n⏳ Attendance marked, tracking stops...")
	if _, err := sched.MarkAttendance(ctx, job.ID); err != nil {
		log.Fatalf("MarkAttendance failed: %v", err)
	}
	if _, err := sched.MarkPaid(ctx, job.ID); err != nil {
		log.Fatalf("MarkPaid failed: %v", err)
	}

	final, err := sched.GetJob(ctx, job.ID)
	if err != nil {
		log.Fatalf("GetJob failed: %v", err)
	}
	stats := sched.Stats(ctx)
	fmt.Printf("\n📊 Final Status:\n")
	fmt.Printf("  Job:        %s (accepted by %s, payment %s)\n", final.Status, final.AcceptedBy, final.PaymentStatus)
	fmt.Printf("  Declined:   %v\n", final.DeclinedBy)
	fmt.Printf("  Tracking:   %d open\n", stats.Tracking)
	fmt.Printf("  Workers:    %d online\n", stats.Workers)
}
