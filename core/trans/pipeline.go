package trans

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/yinglunfeng/esa-httpclient/config"
	"github.com/yinglunfeng/esa-httpclient/core"
	"github.com/yinglunfeng/esa-httpclient/transport"
)

// PipelineBuilder connects to an endpoint and installs the protocol
// appropriate handlers on the fresh channel.
//
// h2ClearTextUpgrade uses the prior-knowledge form: the client preface is
// sent straight after connect, no Upgrade dance.
type PipelineBuilder struct {
	dialer transport.ConnDialer
	group  *transport.EventLoopGroup

	version        core.Version
	h2ClearText    bool
	connectTimeout time.Duration

	netOpts   *config.NetOptions
	http1Opts *config.Http1Options
	http2Opts *config.Http2Options
	sslOpts   *config.SslOptions

	logger *slog.Logger
}

func NewPipelineBuilder(
	dialer transport.ConnDialer,
	group *transport.EventLoopGroup,
	version core.Version,
	h2ClearText bool,
	connectTimeout time.Duration,
	netOpts *config.NetOptions,
	http1Opts *config.Http1Options,
	http2Opts *config.Http2Options,
	sslOpts *config.SslOptions,
	logger *slog.Logger,
) *PipelineBuilder {
	return &PipelineBuilder{
		dialer:         dialer,
		group:          group,
		version:        version,
		h2ClearText:    h2ClearText,
		connectTimeout: connectTimeout,
		netOpts:        netOpts,
		http1Opts:      http1Opts,
		http2Opts:      http2Opts,
		sslOpts:        sslOpts,
		logger:         logger,
	}
}

// Connector returns the connect function the endpoint's pool uses.
func (pb *PipelineBuilder) Connector(endpoint core.Endpoint) Connector {
	return func() *core.Future[*Channel] {
		return pb.connect(endpoint)
	}
}

func (pb *PipelineBuilder) connect(endpoint core.Endpoint) *core.Future[*Channel] {
	f := core.NewFuture[*Channel]()

	go func() {
		ctx := context.Background()
		if pb.connectTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, pb.connectTimeout)
			defer cancel()
		}

		address := net.JoinHostPort(endpoint.Host, strconv.Itoa(endpoint.Port))
		conn, err := pb.dialer.Dial(ctx, "tcp", address)
		if err != nil {
			f.Fail(core.WithKind(core.ErrConnectFailed, err))
			return
		}

		ch := NewChannel(conn, pb.group.Next(), pb.netOpts.WriteBufferHighWaterMark, pb.logger)

		// The channel is handed out right away; negotiation continues and
		// resolves the handshake future the transceiver awaits.
		f.Complete(ch)
		pb.negotiate(endpoint, ch, conn)
	}()

	return f
}

func (pb *PipelineBuilder) negotiate(endpoint core.Endpoint, ch *Channel, raw net.Conn) {
	switch {
	case endpoint.Scheme == core.SchemeHTTPS:
		pb.negotiateTLS(endpoint, ch, raw)

	case pb.version == core.HTTP2 && pb.h2ClearText:
		// Prior-knowledge h2c: preface goes out immediately.
		installHTTP2(ch, pb.http2Opts, pb.logger)
		ch.Handshake().Complete(ProtoHTTP2)

	default:
		installHTTP1(ch, pb.http1Opts, pb.logger)
		ch.Handshake().Complete(ProtoHTTP1)
	}
}

func (pb *PipelineBuilder) negotiateTLS(endpoint core.Endpoint, ch *Channel, raw net.Conn) {
	cfg := pb.tlsConfig(endpoint)
	tlsConn := tls.Client(raw, cfg)

	ctx := context.Background()
	timeout := pb.handshakeTimeout()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		err = core.WithKind(core.ErrHandshakeFailed,
			errors.Wrapf(err, "tls handshake with %s", endpoint))
		ch.Handshake().Fail(err)
		ch.Close(err)
		return
	}

	ch.SwapConn(tlsConn)

	if tlsConn.ConnectionState().NegotiatedProtocol == "h2" {
		installHTTP2(ch, pb.http2Opts, pb.logger)
		ch.Handshake().Complete(ProtoHTTP2)
		return
	}
	installHTTP1(ch, pb.http1Opts, pb.logger)
	ch.Handshake().Complete(ProtoHTTP1)
}

func (pb *PipelineBuilder) handshakeTimeout() time.Duration {
	if pb.sslOpts != nil && pb.sslOpts.HandshakeTimeout > 0 {
		return pb.sslOpts.HandshakeTimeout
	}
	return pb.connectTimeout
}

func (pb *PipelineBuilder) tlsConfig(endpoint core.Endpoint) *tls.Config {
	cfg := &tls.Config{ServerName: endpoint.Host}

	if pb.version == core.HTTP2 {
		cfg.NextProtos = []string{"h2", "http/1.1"}
	} else {
		cfg.NextProtos = []string{"http/1.1"}
	}

	opts := pb.sslOpts
	if opts == nil {
		return cfg
	}
	if opts.ServerName != "" {
		cfg.ServerName = opts.ServerName
	}
	cfg.InsecureSkipVerify = opts.InsecureSkipVerify
	cfg.CipherSuites = append([]uint16(nil), opts.Ciphers...)
	for _, proto := range opts.EnabledProtocols {
		switch proto {
		case "TLSv1.2":
			if cfg.MinVersion == 0 || cfg.MinVersion > tls.VersionTLS12 {
				cfg.MinVersion = tls.VersionTLS12
			}
		case "TLSv1.3":
			if cfg.MaxVersion < tls.VersionTLS13 {
				cfg.MaxVersion = tls.VersionTLS13
			}
			if cfg.MinVersion == 0 {
				cfg.MinVersion = tls.VersionTLS13
			}
		}
	}
	return cfg
}
