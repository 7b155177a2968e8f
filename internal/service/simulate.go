package service

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/netip"
	"time"

	"natpool/internal/natlib"
	"natpool/internal/session"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SimulationResult 模拟流量结果
type SimulationResult struct {
	Sessions  int           `json:"sessions"`
	Succeeded int           `json:"succeeded"`
	Exhausted int           `json:"exhausted"`
	Duration  time.Duration `json:"duration"`
}

// Simulate 每个工作线程并发创建sessionsPerWorker个会话，closeRatio比例的会话随后关闭
func (ns *NATService) Simulate(ctx context.Context, sessionsPerWorker int, closeRatio float64) (SimulationResult, error) {
	start := time.Now()
	results := make([]SimulationResult, len(ns.tables))

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range ns.tables {
		g.Go(func() error {
			r, err := simulateWorker(gctx, t, i, sessionsPerWorker, closeRatio)
			results[i] = r
			return err
		})
	}
	err := g.Wait()

	var total SimulationResult
	for _, r := range results {
		total.Sessions += r.Sessions
		total.Succeeded += r.Succeeded
		total.Exhausted += r.Exhausted
	}
	total.Duration = time.Since(start)

	ns.logger.WithFields(logrus.Fields{
		"sessions":  total.Sessions,
		"succeeded": total.Succeeded,
		"exhausted": total.Exhausted,
		"duration":  total.Duration.String(),
	}).Info("模拟流量完成")
	return total, err
}

func simulateWorker(ctx context.Context, t *session.Table, worker, count int, closeRatio float64) (SimulationResult, error) {
	rng := rand.New(rand.NewPCG(uint64(worker), uint64(time.Now().UnixNano())))
	protos := natlib.Protocols()

	var r SimulationResult
	for n := 0; n < count; n++ {
		if err := ctx.Err(); err != nil {
			return r, err
		}

		// 10.<worker>.x.y 作为内侧地址
		inside := netip.AddrFrom4([4]byte{10, byte(worker), byte(n >> 8), byte(n)})
		key := session.Key{
			Protocol: protos[rng.IntN(len(protos))],
			Inside:   netip.AddrPortFrom(inside, uint16(1024+rng.IntN(60000))),
		}

		r.Sessions++
		s, err := t.Translate(key)
		if errors.Is(err, natlib.ErrOutOfTranslations) {
			r.Exhausted++
			continue
		}
		if err != nil {
			return r, err
		}
		r.Succeeded++
		if rng.Float64() < closeRatio {
			t.Close(s.Key)
		}
	}
	return r, nil
}
