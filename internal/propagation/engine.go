package propagation

import (
	"context"
	"fmt"
	"time"

	"github.com/annel0/cellgrid/internal/logging"
	"github.com/annel0/cellgrid/internal/player"
	"github.com/annel0/cellgrid/internal/topology"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxHops - предел числа пересылок одного события
const DefaultMaxHops = 64

// Players - источник снимка игроков
type Players interface {
	Snapshot() []player.View
}

// Topology - соседи ячейки и пересылка им событий
type Topology interface {
	NeighborsOf(c topology.Coordinate) []topology.Coordinate
	Forward(ctx context.Context, to topology.Coordinate, ev Event) error
}

// Options настраивает движок
type Options struct {
	MaxHops int
}

// Forward - одна пересылка соседу
type Forward struct {
	To       topology.Coordinate `json:"to"`
	Distance float64             `json:"distance"`
	Err      error               `json:"-"`
}

// Result - итог обработки события одним сервером
type Result struct {
	Delivered []string  `json:"delivered"`
	Missed    []string  `json:"missed"`
	Forwarded []Forward `json:"forwarded"`
	Failed    []Forward `json:"failed"`
	Rerouted  bool      `json:"rerouted"`
}

// Engine доставляет событие локальным игрокам в радиусе и пересылает его
// соседним ячейкам, которые пересекает сфера распространения.
//
// Пересылка идёт по дереву с корнем в ячейке источника (topology.ForwardChildren),
// поэтому каждая ячейка получает событие не более одного раза.
type Engine struct {
	grid    topology.Grid
	players Players
	topo    Topology
	opts    Options
	logger  *logging.Logger
	tracer  trace.Tracer
}

// NewEngine создаёт движок
func NewEngine(grid topology.Grid, players Players, topo Topology, opts Options) *Engine {
	if opts.MaxHops <= 0 {
		opts.MaxHops = DefaultMaxHops
	}
	registerMetrics()
	return &Engine{
		grid:    grid,
		players: players,
		topo:    topo,
		opts:    opts,
		logger:  logging.GetPropagationLogger(),
		tracer:  otel.Tracer("cellgrid/propagation"),
	}
}

// Grid возвращает сетку движка
func (e *Engine) Grid() topology.Grid { return e.grid }

// Propagate обрабатывает событие на сервере ячейки self.
//
// Дистанция в событии - остаток после входа в ячейку self, поэтому полный радиус
// от источника восстанавливается как PropagationDistance + BoundaryDistance(origin, self).
// Ошибки пересылки не прерывают доставку: они попадают в Result.Failed.
func (e *Engine) Propagate(ctx context.Context, ev Event, self topology.Coordinate) (Result, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "propagation.Propagate", trace.WithAttributes(
		attribute.String("event.id", ev.ID.String()),
		attribute.String("event.type", ev.Type),
		attribute.Int("event.hops", ev.Hops),
		attribute.Float64("event.distance", ev.PropagationDistance),
		attribute.String("cell", self.Key()),
	))
	defer span.End()
	defer func() { propagateDuration.Observe(time.Since(start).Seconds()) }()

	var res Result
	if err := ev.Validate(); err != nil {
		eventsTotal.WithLabelValues("invalid").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	home := e.grid.CellOf(ev.Origin)

	// Игрок стоит за пределами своей ячейки: его сервер сразу доставляет событие
	// своим игрокам, а корнем дерева делает ячейку источника.
	delivered := false
	if ev.Hops == 0 && home != self {
		e.deliverLocal(ev, ev.PropagationDistance, &res)
		delivered = true

		if ev.PropagationDistance > 0 && e.isNeighbor(self, home) {
			res.Rerouted = true
			fwd := Forward{To: home, Distance: ev.PropagationDistance}
			if err := e.topo.Forward(ctx, home, ev.rerouted(self)); err != nil {
				fwd.Err = err
				res.Failed = append(res.Failed, fwd)
				deliveriesTotal.WithLabelValues("failed").Inc()
				e.logger.Warn("⚠️ Событие %s: не удалось передать ячейке-источнику %s: %v", ev.ID, home, err)
			} else {
				res.Forwarded = append(res.Forwarded, fwd)
				deliveriesTotal.WithLabelValues("forwarded").Inc()
				eventsTotal.WithLabelValues("rerouted").Inc()
				return res, nil
			}
			// Источник недоступен: дерево строится от этой ячейки.
		}
	}

	// На входе (Hops == 0) дистанция уже полная.
	reach := ev.PropagationDistance
	if ev.Hops > 0 {
		reach += e.grid.BoundaryDistance(ev.Origin, self)
	}
	if ev.Hops == 0 && e.grid.Overflows(ev.Origin, reach, self) {
		overflowTotal.Inc()
	}

	// Ячейка входа уже доставила событие своим игрокам до передачи источнику.
	if ev.Ingress != nil && *ev.Ingress == self {
		delivered = true
	}
	if !delivered {
		e.deliverLocal(ev, reach, &res)
	}

	if ev.Hops >= e.opts.MaxHops {
		e.logger.Warn("⛔ Событие %s достигло предела хопов (%d), пересылка остановлена", ev.ID, ev.Hops)
		eventsTotal.WithLabelValues("hop_limit").Inc()
	} else if reach > 0 {
		e.forward(ctx, ev, home, self, reach, &res)
	}

	span.SetAttributes(
		attribute.Int("delivered", len(res.Delivered)),
		attribute.Int("missed", len(res.Missed)),
		attribute.Int("forwarded", len(res.Forwarded)),
		attribute.Int("failed", len(res.Failed)),
	)
	if len(res.Failed) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d forwards failed", len(res.Failed)))
	}
	eventsTotal.WithLabelValues("ok").Inc()

	e.logger.Trace("📨 Событие %s [%s] в %s: доставлено %d, промахов %d, переслано %d, ошибок %d",
		ev.ID, ev.Type, self, len(res.Delivered), len(res.Missed), len(res.Forwarded), len(res.Failed))
	return res, nil
}

// deliverLocal кладёт событие в очереди игроков на расстоянии <= reach (граница включительно)
func (e *Engine) deliverLocal(ev Event, reach float64, res *Result) {
	for _, v := range e.players.Snapshot() {
		dist := v.Position().DistanceTo(ev.Origin)
		if dist > reach {
			continue
		}

		err := v.Notify.Push(player.Delivery{
			EventID:  ev.ID.String(),
			Type:     ev.Type,
			Origin:   ev.Origin,
			Data:     ev.Data,
			Distance: dist,
		})
		if err != nil {
			res.Missed = append(res.Missed, v.ID)
			deliveriesTotal.WithLabelValues("missed").Inc()
			continue
		}
		res.Delivered = append(res.Delivered, v.ID)
		deliveriesTotal.WithLabelValues("delivered").Inc()
	}
}

// forward пересылает событие дочерним ячейкам дерева, которые пересекает сфера
func (e *Engine) forward(ctx context.Context, ev Event, home, self topology.Coordinate, reach float64, res *Result) {
	registered := make(map[topology.Coordinate]struct{})
	for _, n := range e.topo.NeighborsOf(self) {
		registered[n] = struct{}{}
	}

	for _, child := range topology.ForwardChildren(home, self) {
		if _, ok := registered[child]; !ok {
			continue
		}
		b := e.grid.BoundaryDistance(ev.Origin, child)
		remaining := reach - b
		if !(remaining > 0) {
			continue
		}

		fwd := Forward{To: child, Distance: remaining}
		if err := e.topo.Forward(ctx, child, ev.forwarded(remaining)); err != nil {
			fwd.Err = err
			res.Failed = append(res.Failed, fwd)
			deliveriesTotal.WithLabelValues("failed").Inc()
			e.logger.Warn("⚠️ Событие %s: пересылка в %s не удалась: %v", ev.ID, child, err)
			continue
		}
		res.Forwarded = append(res.Forwarded, fwd)
		deliveriesTotal.WithLabelValues("forwarded").Inc()
	}
}

func (e *Engine) isNeighbor(self, c topology.Coordinate) bool {
	for _, n := range e.topo.NeighborsOf(self) {
		if n == c {
			return true
		}
	}
	return false
}
