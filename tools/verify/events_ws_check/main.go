// Command events_ws_check verifies a running relay's admin event stream:
// an unauthenticated dial must be rejected, an authenticated one must see
// at least -min events before -timeout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type event struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:3000/api/events", "admin events websocket endpoint")
	topic := flag.String("topic", "", "topic prefix filter, e.g. turn.")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	minEvents := flag.Int("min", 0, "events required before PASS")
	token := flag.String("token", os.Getenv("CLAWRELAY_ADMIN_TOKEN"), "admin token")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "token is required (-token or CLAWRELAY_ADMIN_TOKEN)")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	endpoint := *url
	if *topic != "" {
		endpoint += "?topic=" + *topic
	}

	_, unauthResp, unauthErr := websocket.Dial(ctx, endpoint, nil)
	if unauthErr == nil {
		fmt.Fprintln(os.Stderr, "expected missing-auth dial to fail but it succeeded")
		os.Exit(1)
	}
	if unauthResp == nil || unauthResp.StatusCode != http.StatusUnauthorized {
		fmt.Fprintf(os.Stderr, "expected 401 for missing auth, got response=%v err=%v\n", unauthResp, unauthErr)
		os.Exit(1)
	}
	fmt.Printf("AUTH_CHECK missing token rejected status=%d\n", unauthResp.StatusCode)

	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + strings.TrimSpace(*token)}},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "authorized dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	fmt.Println("CONNECTED")

	seen := 0
	for seen < *minEvents {
		var ev event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			fmt.Fprintf(os.Stderr, "read failed after %d events: %v\n", seen, err)
			os.Exit(1)
		}
		seen++
		fmt.Printf("<< %s %s\n", ev.Topic, ev.Payload)
	}

	fmt.Printf("VERDICT PASS events=%d\n", seen)
}
