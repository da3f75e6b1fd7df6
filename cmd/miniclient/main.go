// Command miniclient is a worked example driving the three client
// surfaces against a running miniserver: an RPC call, a publish, and a
// subscriber that prints whatever it receives.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"wirebus/protocol"
	"wirebus/pubclient"
	"wirebus/rpcclient"
	"wirebus/subclient"
)

type echoArgs struct{ Msg string }
type echoReply struct{ Msg string }

func main() {
	addr := flag.String("addr", "127.0.0.1:9090", "server address")
	mode := flag.String("mode", "echo", "echo | publish | subscribe")
	topic := flag.String("topic", "news", "topic for publish/subscribe")
	msg := flag.String("msg", "hello", "message body")
	flag.Parse()

	log := zap.NewNop()

	switch *mode {
	case "echo":
		cli := rpcclient.New(nil, nil, rpcclient.WithLogger(log))
		defer cli.Close()
		var reply echoReply
		if err := cli.CallAddr(*addr, "echo", &echoArgs{Msg: *msg}, &reply); err != nil {
			fmt.Fprintln(os.Stderr, "call failed:", err)
			os.Exit(1)
		}
		fmt.Println(reply.Msg)

	case "publish":
		pub := pubclient.New(*addr, 5*time.Second, log)
		defer pub.Close()
		if err := pub.PublishRaw(*topic, []byte(*msg)); err != nil {
			fmt.Fprintln(os.Stderr, "publish failed:", err)
			os.Exit(1)
		}

	case "subscribe":
		sub := subclient.New(*addr, 5*time.Second, log)
		defer sub.Close()
		if err := sub.Subscribe(*topic, func(topic string, body []byte, _ protocol.CodecType, _ protocol.Mode) {
			fmt.Printf("%s: %s\n", topic, body)
		}); err != nil {
			fmt.Fprintln(os.Stderr, "subscribe failed:", err)
			os.Exit(1)
		}
		select {}

	default:
		fmt.Fprintln(os.Stderr, "unknown -mode:", *mode)
		os.Exit(1)
	}
}
