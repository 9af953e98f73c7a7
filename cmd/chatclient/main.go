// Command chatclient is an interactive terminal client for the relay. Each
// line typed on stdin is sent as a chat message; every server event is
// printed as it arrives.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/spf13/pflag"

	"github.com/matchify/chat-relay/internal/auth"
	"github.com/matchify/chat-relay/internal/protocol"
)

func main() {
	addr := pflag.String("url", "ws://localhost:8080/chat/artist", "relay chat endpoint")
	token := pflag.String("token", "", "bearer token; minted from --secret when empty")
	user := pflag.String("user", "", "user ID to mint a token for")
	name := pflag.String("name", "", "username claim for a minted token")
	secret := pflag.String("secret", os.Getenv("AUTH_SECRET"), "signing secret for minted tokens")
	issuer := pflag.String("issuer", auth.DefaultConfig().Issuer, "issuer for minted tokens")
	pflag.Parse()

	if *token == "" {
		if *user == "" || *secret == "" {
			log.Fatal("either --token or --user with --secret is required")
		}
		v := auth.NewVerifier(auth.Config{Secret: *secret, Issuer: *issuer})
		t, err := v.Issue(*user, *name, time.Hour)
		if err != nil {
			log.Fatalf("mint token: %v", err)
		}
		*token = t
	}

	u, err := url.Parse(*addr)
	if err != nil {
		log.Fatalf("invalid url: %v", err)
	}

	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + *token},
		}),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	raw, br, _, err := dialer.Dial(ctx, u.String())
	cancel()
	if err != nil {
		log.Fatalf("dial %s: %v", u, err)
	}
	defer raw.Close()
	var conn net.Conn = raw
	if br != nil {
		conn = bufferedConn{Conn: raw, r: io.MultiReader(br, raw)}
	}
	log.Printf("connected to %s, waiting for a match...", u)

	var writeMu sync.Mutex
	done := make(chan struct{})
	go func() {
		defer close(done)
		readLoop(conn)
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			data, err := protocol.Encode(protocol.Message{Message: line, From: *user})
			if err != nil {
				log.Printf("encode: %v", err)
				continue
			}
			writeMu.Lock()
			err = wsutil.WriteClientMessage(conn, ws.OpText, data)
			writeMu.Unlock()
			if err != nil {
				log.Printf("send: %v", err)
				return
			}
		}
	}()

	<-done
}

// bufferedConn replays bytes the dialer read past the handshake response.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func readLoop(conn net.Conn) {
	for {
		data, _, err := wsutil.ReadServerData(conn)
		if err != nil {
			log.Printf("connection closed: %v", err)
			return
		}
		ev, err := protocol.Decode(data)
		if err != nil {
			log.Printf("undecodable frame %s: %v", data, err)
			continue
		}
		switch ev := ev.(type) {
		case protocol.Connected:
			fmt.Printf("* matched with %s\n", ev.ConnectedTo.DisplayName)
		case protocol.Disconnected:
			fmt.Printf("* %s\n", ev.Message)
		case protocol.Message:
			fmt.Printf("<%s> %s\n", ev.From, ev.Message)
		case protocol.State:
			if ev.Typing {
				fmt.Printf("* %s is typing...\n", ev.From)
			}
		}
	}
}
