package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/annel0/cellgrid/internal/eventbus"
	"github.com/annel0/cellgrid/internal/geom"
	"github.com/annel0/cellgrid/internal/propagation"
	"github.com/annel0/cellgrid/internal/protocol"
	"github.com/annel0/cellgrid/internal/session"
	"github.com/annel0/cellgrid/internal/topology"
)

const (
	defaultNATSAddr = "nats://localhost:4222"
	defaultKCPAddr  = "localhost:7777"
	timeFormat      = "15:04:05.000"
)

func main() {
	var (
		natsAddr   = flag.String("nats", defaultNATSAddr, "NATS server address")
		serverAddr = flag.String("server", defaultKCPAddr, "KCP address of a child server")
		command    = flag.String("cmd", "tail", "Command: tail, neighbors, emit")
		eventTypes = flag.String("types", "", "Event types filter (comma-separated)")
		cell       = flag.String("cell", "", "Cell coordinate x.y.z")
		playerID   = flag.String("player", "event-cli", "Player ID for the emit session")
		at         = flag.String("at", "0,0,0", "Player position x,y,z")
		eventType  = flag.String("type", "ping", "Event type to emit")
		distance   = flag.Float64("distance", 0, "Propagation distance")
		data       = flag.String("data", "", "Event payload")
		limit      = flag.Int("limit", 0, "Maximum number of events (0 = unlimited)")
		wait       = flag.Duration("wait", 3*time.Second, "How long to listen for events after emit")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *command {
	case "tail":
		if err := tailEvents(ctx, *natsAddr, &TailOptions{
			EventTypes: parseStringList(*eventTypes),
			Cell:       *cell,
			Limit:      *limit,
		}); err != nil {
			log.Fatalf("❌ Tail failed: %v", err)
		}

	case "neighbors":
		if err := showNeighbors(ctx, *natsAddr, *cell); err != nil {
			log.Fatalf("❌ Neighbors failed: %v", err)
		}

	case "emit":
		pos, err := parseVec3(*at)
		if err != nil {
			log.Fatalf("❌ Invalid position: %v", err)
		}
		if err := emitEvent(ctx, *serverAddr, &EmitOptions{
			PlayerID: *playerID,
			At:       pos,
			Type:     *eventType,
			Distance: *distance,
			Data:     []byte(*data),
			Wait:     *wait,
			Limit:    *limit,
		}); err != nil {
			log.Fatalf("❌ Emit failed: %v", err)
		}

	default:
		fmt.Printf("❌ Unknown command: %s\n", *command)
		fmt.Println("Available commands: tail, neighbors, emit")
		os.Exit(1)
	}
}

type TailOptions struct {
	EventTypes []string
	Cell       string
	Limit      int
}

type EmitOptions struct {
	PlayerID string
	At       geom.Vec3
	Type     string
	Distance float64
	Data     []byte
	Wait     time.Duration
	Limit    int
}

// tailEvents выводит сообщения кластерной шины в реальном времени
func tailEvents(ctx context.Context, addr string, opts *TailOptions) error {
	bus, err := eventbus.NewNATSBus(addr, "event-cli")
	if err != nil {
		return err
	}
	defer bus.Close()

	subject := protocol.SubjectAll
	if opts.Cell != "" {
		c, err := topology.ParseKey(opts.Cell)
		if err != nil {
			return err
		}
		subject = protocol.CellEventsSubject(c)
	}

	fmt.Printf("🎬 Tailing %s (limit: %d)\n", subject, opts.Limit)

	seen := make(chan struct{}, 64)
	sub, err := bus.Subscribe(ctx, subject, func(_ context.Context, env *eventbus.Envelope) ([]byte, error) {
		if printEnvelope(env, opts.EventTypes) {
			select {
			case seen <- struct{}{}:
			default:
			}
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	count := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\n📊 Total events: %d\n", count)
			return nil
		case <-seen:
			count++
			if opts.Limit > 0 && count >= opts.Limit {
				fmt.Printf("\n📊 Total events: %d\n", count)
				return nil
			}
		}
	}
}

// printEnvelope печатает конверт; возвращает true, если он прошёл фильтр
func printEnvelope(env *eventbus.Envelope, types []string) bool {
	timestamp := env.Timestamp.Format(timeFormat)

	if !strings.HasSuffix(env.Subject, ".events") {
		if len(types) > 0 {
			return false
		}
		fmt.Printf("[%s] %s from %s (%d bytes)\n", timestamp, env.Subject, env.Source, len(env.Payload))
		return true
	}

	var ev propagation.Event
	if err := protocol.Decode(env.Payload, &ev); err != nil {
		fmt.Printf("[%s] %s from %s: malformed event: %v\n", timestamp, env.Subject, env.Source, err)
		return len(types) == 0
	}
	if !matchesType(ev.Type, types) {
		return false
	}
	fmt.Printf("[%s] %s [%s] %s\n", timestamp, env.Subject, ev.Type, ev.ID)
	fmt.Printf("  Origin: (%.1f,%.1f,%.1f) Distance: %.1f Hops: %d Source: %s\n",
		ev.Origin.X, ev.Origin.Y, ev.Origin.Z, ev.PropagationDistance, ev.Hops, ev.Source)
	return true
}

func matchesType(typ string, types []string) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == typ {
			return true
		}
	}
	return false
}

// showNeighbors спрашивает у родителя соседей ячейки
func showNeighbors(ctx context.Context, addr, cell string) error {
	if cell == "" {
		return fmt.Errorf("-cell is required")
	}
	c, err := topology.ParseKey(cell)
	if err != nil {
		return err
	}

	bus, err := eventbus.NewNATSBus(addr, "event-cli")
	if err != nil {
		return err
	}
	defer bus.Close()

	payload, err := protocol.Encode(protocol.NeighborsRequest{Coordinate: c})
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := bus.Request(reqCtx, eventbus.NewEnvelope("event-cli", protocol.SubjectNeighbors, payload))
	if err != nil {
		return err
	}
	var reply protocol.NeighborsReply
	if err := protocol.Decode(resp.Payload, &reply); err != nil {
		return err
	}

	fmt.Printf("📋 Neighbors of %s: %d\n", c, len(reply.Neighbors))
	for _, n := range reply.Neighbors {
		fmt.Printf("  %s %s @ %s\n", n.Coordinate, n.ServerID, n.Address)
	}
	return nil
}

// emitEvent открывает сессию игрока, испускает событие и печатает всё, что придёт в ответ
func emitEvent(ctx context.Context, addr string, opts *EmitOptions) error {
	codec, err := session.NewCodec()
	if err != nil {
		return err
	}
	defer codec.Close()

	conn, err := session.DialKCP(addr, codec)
	if err != nil {
		return err
	}
	defer conn.Close()

	transform := geom.TransformAt(opts.At.X, opts.At.Y, opts.At.Z)
	if err := send(conn, protocol.ClientMessage{Kind: protocol.KindHello, PlayerID: opts.PlayerID, Transform: &transform}); err != nil {
		return err
	}

	welcome, err := recv(conn)
	if err != nil {
		return err
	}
	if welcome.Kind != protocol.KindWelcome {
		return fmt.Errorf("server rejected session: %s", welcome.Error)
	}
	fmt.Printf("✅ Joined as %s at %v\n", opts.PlayerID, welcome.Location)

	if err := send(conn, protocol.ClientMessage{
		Kind:      protocol.KindEmit,
		EventType: opts.Type,
		Distance:  opts.Distance,
		Data:      opts.Data,
	}); err != nil {
		return err
	}

	msgs := make(chan protocol.ServerMessage)
	go func() {
		defer close(msgs)
		for {
			msg, err := recv(conn)
			if err != nil {
				return
			}
			msgs <- msg
		}
	}()

	deadline := time.NewTimer(opts.Wait)
	defer deadline.Stop()

	count := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			send(conn, protocol.ClientMessage{Kind: protocol.KindBye})
			fmt.Printf("\n📊 Total events: %d\n", count)
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("connection closed")
			}
			printServerMessage(msg)
			if msg.Kind == protocol.KindEvent {
				count++
				if opts.Limit > 0 && count >= opts.Limit {
					send(conn, protocol.ClientMessage{Kind: protocol.KindBye})
					return nil
				}
			}
		}
	}
}

func send(conn *session.StreamConn, msg protocol.ClientMessage) error {
	return conn.Send(protocol.MarshalClient(msg))
}

func recv(conn *session.StreamConn) (protocol.ServerMessage, error) {
	payload, err := conn.Recv()
	if err != nil {
		return protocol.ServerMessage{}, err
	}
	return protocol.UnmarshalServer(payload)
}

// printServerMessage выводит сообщение сервера в читаемом формате
func printServerMessage(msg protocol.ServerMessage) {
	timestamp := time.Now().Format(timeFormat)
	switch msg.Kind {
	case protocol.KindEvent:
		origin := "?"
		if msg.Origin != nil {
			origin = fmt.Sprintf("(%.1f,%.1f,%.1f)", msg.Origin.X, msg.Origin.Y, msg.Origin.Z)
		}
		fmt.Printf("[%s] event [%s] %s origin %s distance %.1f\n", timestamp, msg.Type, msg.EventID, origin, msg.Distance)
	case protocol.KindError:
		fmt.Printf("[%s] error: %s\n", timestamp, msg.Error)
	default:
		fmt.Printf("[%s] %s\n", timestamp, msg.Kind)
	}
}

// parseStringList парсит строку с разделителями-запятыми
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseVec3 парсит "x,y,z"
func parseVec3(s string) (geom.Vec3, error) {
	parts := parseStringList(s)
	if len(parts) != 3 {
		return geom.Vec3{}, fmt.Errorf("expected x,y,z, got %q", s)
	}
	var vals [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return geom.Vec3{}, fmt.Errorf("invalid number %q: %w", p, err)
		}
		vals[i] = v
	}
	return geom.Vec3{X: vals[0], Y: vals[1], Z: vals[2]}, nil
}
