// Command miniserver is a worked example: bind an echo RPC handler
// and let subscribers fan out over whatever topics get published.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"wirebus/server"
)

type echoArgs struct{ Msg string }
type echoReply struct{ Msg string }

func main() {
	addr := flag.String("addr", "127.0.0.1:9090", "address to listen on")
	loops := flag.Int("loops", 0, "I/O loop count (0 = GOMAXPROCS)")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	s := server.New(server.WithLoops(*loops), server.WithLogger(log))

	if err := s.Bind("echo", func(args *echoArgs, reply *echoReply) error {
		reply.Msg = args.Msg
		return nil
	}); err != nil {
		log.Fatal("bind echo", zap.Error(err))
	}

	if err := s.Listen(*addr); err != nil {
		log.Fatal("listen", zap.Error(err), zap.String("addr", *addr))
	}
	log.Info("listening", zap.String("addr", *addr))

	go s.Run()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	if err := s.Shutdown(5 * time.Second); err != nil {
		log.Error("shutdown", zap.Error(err))
	}
}
