package probe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"
)

const testSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=Stream\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"t=0 0\r\n" +
	"m=video 0 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=fmtp:96 packetization-mode=1\r\n" +
	"a=control:trackID=0\r\n"

// serveRTSP answers OPTIONS and DESCRIBE on a single connection.
func serveRTSP(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := textproto.NewReader(bufio.NewReader(conn))
		for {
			line, err := reader.ReadLine()
			if err != nil {
				return
			}
			header, err := reader.ReadMIMEHeader()
			if err != nil {
				return
			}
			cseq := header.Get("Cseq")
			method := strings.Fields(line)[0]
			var resp string
			switch method {
			case "OPTIONS":
				resp = fmt.Sprintf("RTSP/1.0 200 OK\r\nCSeq: %s\r\nPublic: DESCRIBE, SETUP, PLAY, TEARDOWN\r\n\r\n", cseq)
			case "DESCRIBE":
				resp = fmt.Sprintf("RTSP/1.0 200 OK\r\nCSeq: %s\r\nContent-Type: application/sdp\r\nContent-Base: rtsp://%s/live/\r\nContent-Length: %d\r\n\r\n%s",
					cseq, ln.Addr().String(), len(testSDP), testSDP)
			default:
				resp = fmt.Sprintf("RTSP/1.0 501 Not Implemented\r\nCSeq: %s\r\n\r\n", cseq)
			}
			if _, err := conn.Write([]byte(resp)); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func TestDescribeReportsMedias(t *testing.T) {
	addr := serveRTSP(t)
	prober := New(2 * time.Second)

	result, err := prober.Describe(context.Background(), "rtsp://admin:secret@"+addr+"/live")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if result.URL != "rtsp://admin:xxxxx@"+addr+"/live" {
		t.Fatalf("expected redacted url, got %s", result.URL)
	}
	if len(result.Medias) != 1 {
		t.Fatalf("expected one media, got %+v", result.Medias)
	}
	media := result.Medias[0]
	if media.Type != "video" || len(media.Codecs) != 1 || media.Codecs[0] != "H264" {
		t.Fatalf("unexpected media %+v", media)
	}
}

func TestDescribeInvalidURL(t *testing.T) {
	prober := New(time.Second)
	_, err := prober.Describe(context.Background(), "http://not-rtsp/")
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestDescribeConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	prober := New(time.Second)
	if _, err := prober.Describe(context.Background(), "rtsp://"+addr+"/live"); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestDescribeHonoursContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(2 * time.Second)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = New(5*time.Second).Describe(ctx, "rtsp://"+ln.Addr().String()+"/live")
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("describe ignored context cancellation")
	}
}
