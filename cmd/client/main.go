package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"go-realtime/config"
	"go-realtime/pkg/logger"
	"go-realtime/protocol"
	"go-realtime/service"
)

// 调试客户端：签发 Token、认证，然后从标准输入读取命令

const usage = `Commands:
  create <name> [max]   create a room
  join <room_id>        join a room
  leave                 leave the current room
  say <text>            chat in the current room
  world <text>          world chat (all nodes)
  list [n]              recent rooms
  score <delta>         add to your score in the room leaderboard
  top [n]               room leaderboard
  pos <lon> <lat>       update your position
  nearby <radius_m>     players nearby
  quit`

type client struct {
	conn  net.Conn
	codec *protocol.Codec
	log   *zap.Logger
	mu    sync.Mutex
}

func main() {
	defaults := config.Default()
	serverAddr := flag.String("server", defaults.TCP.Addr(), "server address")
	userID := flag.Uint64("user", 1, "user id")
	name := flag.String("name", "", "nickname (defaults to user-<id>)")
	secret := flag.String("secret", envOr("JWT_SECRET", defaults.JWTSecret), "JWT secret shared with the server")
	flag.Parse()

	log, err := logger.New("info", "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if *name == "" {
		*name = "user-" + strconv.FormatUint(*userID, 10)
	}
	auth, err := service.NewJWTAuthenticator(*secret, 0)
	if err != nil {
		log.Fatal("create authenticator", zap.Error(err))
	}
	token, err := auth.GenerateToken(*userID, *name)
	if err != nil {
		log.Fatal("generate token", zap.Error(err))
	}

	conn, err := net.Dial("tcp", *serverAddr)
	if err != nil {
		log.Fatal("connect", zap.String("server", *serverAddr), zap.Error(err))
	}
	defer conn.Close()
	log.Info("connected", zap.String("server", *serverAddr), zap.Uint64("user_id", *userID))

	c := &client{conn: conn, codec: protocol.NewCodec(0), log: log}
	go c.receive()

	if err := c.send(&protocol.Auth{Token: token}); err != nil {
		log.Fatal("send auth", zap.Error(err))
	}
	go c.heartbeat(10 * time.Second)

	fmt.Println(usage)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" {
			return
		}
		msg, err := parseCommand(line)
		if err != nil {
			fmt.Println(err)
			continue
		}
		if err := c.send(msg); err != nil {
			log.Error("send", zap.Error(err))
			return
		}
	}
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseCommand(line string) (protocol.Message, error) {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch cmd {
	case "create":
		if len(args) == 0 {
			return nil, fmt.Errorf("usage: create <name> [max]")
		}
		m := &protocol.RoomCreate{Name: args[0]}
		if len(args) > 1 {
			n, err := strconv.ParseUint(args[1], 10, 16)
			if err != nil {
				return nil, fmt.Errorf("bad max: %w", err)
			}
			m.MaxCapacity = uint16(n)
		}
		return m, nil
	case "join":
		if len(args) != 1 {
			return nil, fmt.Errorf("usage: join <room_id>")
		}
		id, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("bad room id: %w", err)
		}
		return &protocol.RoomJoin{RoomID: uint16(id)}, nil
	case "leave":
		return &protocol.RoomLeave{}, nil
	case "say":
		return &protocol.Chat{Text: rest}, nil
	case "world":
		return &protocol.Custom{Name: service.CustomWorldChat, Payload: []byte(rest)}, nil
	case "list":
		m := &protocol.RoomListRequest{}
		if len(args) > 0 {
			n, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("bad limit: %w", err)
			}
			m.Limit = uint32(n)
		}
		return m, nil
	case "score":
		if len(args) != 1 {
			return nil, fmt.Errorf("usage: score <delta>")
		}
		return custom(service.CustomScoreAdd, `{"delta": %s}`, args[0])
	case "top":
		n := "10"
		if len(args) > 0 {
			n = args[0]
		}
		return custom(service.CustomScoreTop, `{"limit": %s}`, n)
	case "pos":
		if len(args) != 2 {
			return nil, fmt.Errorf("usage: pos <lon> <lat>")
		}
		return custom(service.CustomGeoUpdate, `{"lon": %s, "lat": %s}`, args[0], args[1])
	case "nearby":
		if len(args) != 1 {
			return nil, fmt.Errorf("usage: nearby <radius_m>")
		}
		return custom(service.CustomGeoNearby, `{"radius": %s}`, args[0])
	}
	return nil, fmt.Errorf("unknown command %q\n%s", cmd, usage)
}

func custom(name, format string, args ...any) (protocol.Message, error) {
	payload := fmt.Sprintf(format, args...)
	if !json.Valid([]byte(payload)) {
		return nil, fmt.Errorf("bad arguments for %s", name)
	}
	return &protocol.Custom{Name: name, Payload: []byte(payload)}, nil
}

func (c *client) send(msg protocol.Message) error {
	frame, err := c.codec.Pack(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.conn.Write(frame)
	return err
}

func (c *client) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if err := c.send(&protocol.Heartbeat{}); err != nil {
			return
		}
	}
}

func (c *client) receive() {
	reader := bufio.NewReader(c.conn)
	for {
		msg, err := c.codec.Unpack(reader)
		if err != nil {
			c.log.Info("connection closed", zap.Error(err))
			os.Exit(0)
		}

		switch m := msg.(type) {
		case *protocol.ConnectionAck:
			c.log.Info("connection ack", zap.Uint64("client_id", m.ClientID))
		case *protocol.AuthAck:
			c.log.Info("authenticated", zap.Uint64("user_id", m.UserID))
		case *protocol.HeartbeatResponse:
			c.log.Debug("heartbeat", zap.Time("server_time", time.UnixMilli(m.Timestamp)))
		case *protocol.Error:
			c.log.Warn("error", zap.Uint16("code", m.Code), zap.String("message", m.Message))
		case *protocol.Kick:
			c.log.Warn("kicked", zap.String("reason", m.Reason), zap.Bool("reconnect", m.Reconnect))
		case *protocol.Chat:
			fmt.Printf("[%d] %s\n", m.UserID, m.Text)
		case *protocol.RoomStateUpdate:
			fmt.Printf("room %d: %s\n", m.RoomID, m.Payload)
		case *protocol.RoomList:
			for _, r := range m.Rooms {
				fmt.Printf("  #%d %-20s %d/%d\n", r.RoomID, r.Name, r.CurrentCount, r.MaxCapacity)
			}
		case *protocol.Custom:
			fmt.Printf("%s: %s\n", m.Name, m.Payload)
		default:
			c.log.Info("message", zap.Stringer("tag", msg.Tag()))
		}
	}
}
