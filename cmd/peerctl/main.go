// peerctl is a small operator tool for discoverd/zeroconfd:
//
//	peerctl -addr http://localhost:8642 peers   # print the current peer set
//	peerctl -addr http://localhost:8642 self    # print the local master's status
//	peerctl -addr http://localhost:8642 watch   # follow the change-event stream
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "http://localhost:8642", "discovery daemon address")
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "peers"
	}

	var err error
	switch cmd {
	case "peers":
		err = showPeers(*addr)
	case "self":
		err = showJSON(*addr + "/self")
	case "watch":
		err = watch(*addr)
	default:
		fmt.Fprintf(os.Stderr, "peerctl: unknown command %q (want peers, self or watch)\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "peerctl:", err)
		os.Exit(1)
	}
}

type peer struct {
	Addr     string    `json:"addr"`
	Port     int       `json:"port"`
	GUID     string    `json:"guid"`
	Name     string    `json:"name"`
	Seq      uint64    `json:"seq"`
	LastSeen time.Time `json:"last_seen"`
	Caps     []string  `json:"caps"`
}

func showPeers(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + "/peers")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", addr, resp.Status)
	}

	var out struct {
		Count int    `json:"count"`
		Peers []peer `json:"peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}

	fmt.Printf("%d master(s)\n", out.Count)
	for _, p := range out.Peers {
		age := time.Since(p.LastSeen).Round(100 * time.Millisecond)
		fmt.Printf("  %-24s %-20s seq=%-8d seen=%s ago via=%s\n",
			fmt.Sprintf("%s:%d", p.Addr, p.Port), p.Name, p.Seq, age, strings.Join(p.Caps, ","))
	}
	return nil
}

func showJSON(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", url, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty json.RawMessage = body
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// kindName maps a wire event kind to a label. The daemon may be newer
// than this binary, so out-of-range values must render, not panic.
func kindName(kind int) string {
	kinds := []string{"added", "updated", "removed", "overflow"}
	if kind < 0 || kind >= len(kinds) {
		return "unknown"
	}
	return kinds[kind]
}

func watch(addr string) error {
	url := strings.Replace(addr, "http", "ws", 1) + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	for {
		var frame struct {
			Type  string `json:"type"`
			Peers []peer `json:"peers"`
			Event *struct {
				Kind     int `json:"kind"`
				Identity struct {
					Addr string `json:"addr"`
					Port int    `json:"port"`
					GUID string `json:"guid"`
				} `json:"identity"`
				At time.Time `json:"at"`
			} `json:"event"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		switch frame.Type {
		case "snapshot":
			fmt.Printf("-- snapshot: %d master(s)\n", len(frame.Peers))
			for _, p := range frame.Peers {
				fmt.Printf("   %s:%d %s\n", p.Addr, p.Port, p.Name)
			}
		case "event":
			if frame.Event == nil {
				continue
			}
			fmt.Printf("%s %-8s %s:%d\n",
				frame.Event.At.Format(time.TimeOnly), kindName(frame.Event.Kind),
				frame.Event.Identity.Addr, frame.Event.Identity.Port)
		}
	}
}
