// Command flvprobe opens a framed media stream over HTTP, HTTP/3, or
// WebSocket, runs it through the adaptive ingest controller and the
// demuxer, and prints the discovered stream metadata plus a sample
// summary.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/tdwu/flv.js/demux"
	"github.com/tdwu/flv.js/ingest"
	"github.com/tdwu/flv.js/loader"
	"github.com/tdwu/flv.js/media"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "flvprobe",
		Usage:   "probe a framed media stream and report its metadata",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "url",
				Usage:    "stream URL (http://, https://, ws://, wss://)",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "live",
				Usage: "treat the source as continuous: live stash sizing, no reconnection",
			},
			&cli.BoolFlag{
				Name:  "disable-stash",
				Usage: "dispatch every chunk immediately instead of staging",
			},
			&cli.IntFlag{
				Name:  "stash-size",
				Usage: "initial stash target in KiB",
				Value: 384,
			},
			&cli.BoolFlag{
				Name:  "http3",
				Usage: "use HTTP/3 (QUIC) for https URLs",
			},
			&cli.BoolFlag{
				Name:  "insecure",
				Usage: "skip TLS certificate verification",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "stop probing after this duration (0 = run to completion)",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("probe failed", "error", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if d := c.Duration("timeout"); d > 0 {
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	p := newProbe(log)

	dmx, err := demux.New(demux.Config{Log: log}, demux.Handlers{
		MediaInfo:        p.onMediaInfo,
		TrackMetadata:    p.onTrackMetadata,
		SamplesAvailable: p.onSamples,
		Error:            p.onDemuxError,
	})
	if err != nil {
		return err
	}
	p.dmx = dmx

	ds := &loader.DataSource{URL: c.String("url")}
	cfg := ingest.Config{
		StashInitialSize: c.Int("stash-size") << 10,
		DisableStash:     c.Bool("disable-stash"),
		IsLive:           c.Bool("live"),
		Log:              log,
	}
	if c.Bool("http3") || c.Bool("insecure") {
		tlsConf := &tls.Config{InsecureSkipVerify: c.Bool("insecure")}
		cfg.NewLoader = func() loader.Loader {
			hc := loader.HTTPConfig{Log: log}
			if c.Bool("http3") {
				hc.Transport = loader.HTTP3Transport(tlsConf)
			}
			return loader.NewHTTPLoader(hc)
		}
	}

	done := make(chan struct{})
	errCh := make(chan error, 1)

	ctl, err := ingest.New(ds, cfg, ingest.Handlers{
		DataArrival: func(data []byte, byteStart int64) int {
			return dmx.Parse(data, byteStart)
		},
		Error: func(kind loader.ErrorKind, info loader.ErrorInfo) {
			select {
			case errCh <- fmt.Errorf("transport error: %s: %s", kind, info.Msg):
			default:
			}
		},
		Complete: func() { close(done) },
		Redirect: func(url string) {
			log.Info("stream redirected", "url", url)
		},
		Recovered: func() {
			log.Info("transport recovered after reconnection")
		},
	})
	if err != nil {
		return err
	}

	log.Info("flvprobe starting", "version", version, "url", ds.URL)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer ctl.Destroy()
		ctl.Open(0)
		select {
		case <-done:
			return nil
		case err := <-errCh:
			return err
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				log.Info("timeout reached, stopping probe")
				return nil
			}
			return ctx.Err()
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}

	p.printSummary(ctl.TotalLength())
	return nil
}

// probe aggregates demuxer output for the end-of-run report.
type probe struct {
	log *slog.Logger
	dmx *demux.Demuxer

	info      media.MediaInfo
	infoSeen  bool
	samples   int
	keyframes int
	bytes     int64
	firstDTS  uint32
	lastDTS   uint32
	startedAt time.Time
}

func newProbe(log *slog.Logger) *probe {
	return &probe{log: log, startedAt: time.Now()}
}

func (p *probe) onMediaInfo(info media.MediaInfo) {
	p.info = info
	p.infoSeen = true
	p.log.Info("media info",
		"mime", info.MimeType,
		"codec", info.VideoCodec,
		"profile", info.Profile,
		"level", info.Level,
		"resolution", fmt.Sprintf("%dx%d", info.Width, info.Height),
		"fps", info.FPS,
		"chroma", info.ChromaFormat,
		"sar", fmt.Sprintf("%d:%d", info.SarNum, info.SarDen),
	)
}

func (p *probe) onTrackMetadata(meta demux.TrackMetadata) {
	p.log.Info("track metadata",
		"track", meta.Type.String(),
		"codec", meta.Codec,
		"timescale", meta.Timescale,
		"ref_sample_duration", meta.RefSampleDuration,
	)
}

func (p *probe) onSamples(audio, video *media.Track) {
	for _, s := range video.Samples {
		if p.samples == 0 {
			p.firstDTS = s.DTS
		}
		p.lastDTS = s.DTS
		p.samples++
		if s.IsKeyframe {
			p.keyframes++
		}
		p.bytes += int64(s.Length)
	}
}

func (p *probe) onDemuxError(err error) {
	p.log.Warn("demux error", "error", err)
}

func (p *probe) printSummary(totalLength int64) {
	elapsed := time.Since(p.startedAt)
	fmt.Println()
	if p.infoSeen {
		fmt.Printf("stream:    %s %s@%s %dx%d %.3f fps\n",
			p.info.VideoCodec, p.info.Profile, p.info.Level,
			p.info.Width, p.info.Height, p.info.FPS)
	} else {
		fmt.Println("stream:    no parameter sets seen")
	}
	fmt.Printf("samples:   %d (%d keyframes)\n", p.samples, p.keyframes)
	fmt.Printf("payload:   %d bytes\n", p.bytes)
	if totalLength > 0 {
		fmt.Printf("total:     %d bytes\n", totalLength)
	}
	if p.samples > 1 {
		fmt.Printf("duration:  %dms (dts %d..%d)\n",
			p.lastDTS-p.firstDTS, p.firstDTS, p.lastDTS)
	}
	fmt.Printf("dropped:   %d frames\n", p.dmx.DroppedFrames())
	fmt.Printf("elapsed:   %s\n", elapsed.Round(time.Millisecond))
}
