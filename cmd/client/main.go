// Command gochat-client is a thin reference client for the command stream
// (spec §6): it connects over TCP, copies stdin lines to the socket, and
// prints every response line the server sends back. It does not drive the
// real-time WebSocket stream — that is exercised directly by HTTP/WS
// clients instead of a terminal UI.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
)

func main() {
	addr := flag.String("addr", "localhost:7000", "command-stream server address")
	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			fmt.Println(scanner.Text())
		}
	}()

	stdin := bufio.NewScanner(os.Stdin)
	for stdin.Scan() {
		if _, err := fmt.Fprintln(conn, stdin.Text()); err != nil {
			if err == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "write: %v\n", err)
			break
		}
	}

	conn.(*net.TCPConn).CloseWrite()
	<-done
}
