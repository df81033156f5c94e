package mqttsrv

// Embedded MQTT broker, spares small installs a separate mosquitto.
// Covers the subset the heater monitor and home automation need:
// QOS 0/1, retained messages, wills, one optional user/password pair.

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/broker"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/teplo/navitele/helpers"
	"github.com/teplo/navitele/log2"
)

const defaultNetworkTimeout = 30 * time.Second
const defaultReadLimit = 1 << 20

var (
	ErrSameClient = fmt.Errorf("clientid overtake")
	ErrClosing    = fmt.Errorf("server is closing")
)

type Options struct { //nolint:maligned
	Log       *log2.Log
	ListenURL string // tcp://host:port, tls://host:port or unix://path
	TLS       *tls.Config
	Username  string // empty accepts any client
	Password  string

	AckTimeout     time.Duration
	NetworkTimeout time.Duration // conn receive timeout, also keepalive ceiling
	ReadLimit      int64
}

// Server.subs is prefix tree of pattern -> []{client, qos}
type subscription struct {
	pattern string
	client  string
	qos     packet.QOS
}

type Server struct { //nolint:maligned
	sync.RWMutex

	alive    *alive.Alive
	backends struct {
		sync.RWMutex
		m map[string]*backend
	}
	ctx    context.Context
	listen *transport.NetServer
	log    *log2.Log
	nextid uint32 // atomic packet.ID
	opt    Options
	retain *topic.Tree // *packet.Message
	subs   *topic.Tree // *subscription
}

func NewServer(opt Options) *Server {
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = defaultNetworkTimeout
	}
	if opt.AckTimeout == 0 {
		opt.AckTimeout = 2 * opt.NetworkTimeout
	}
	if opt.ReadLimit == 0 {
		opt.ReadLimit = defaultReadLimit
	}
	s := &Server{
		alive:  alive.NewAlive(),
		log:    opt.Log,
		opt:    opt,
		retain: topic.NewStandardTree(),
		subs:   topic.NewStandardTree(),
	}
	s.backends.m = make(map[string]*backend)
	return s
}

func (s *Server) Addr() string {
	s.RLock()
	defer s.RUnlock()
	if s.listen == nil {
		return ""
	}
	return s.listen.Addr().String()
}

func (s *Server) Close() error {
	// serialize well with acceptLoop
	s.alive.Stop()
	errs := make([]error, 0)
	helpers.WithLock(s, func() {
		if s.listen != nil {
			if err := s.listen.Close(); err != nil {
				errs = append(errs, err)
			}
			s.listen = nil
		}
	})
	helpers.WithLock(s.backends.RLocker(), func() {
		for _, b := range s.backends.m {
			switch err := b.die(ErrClosing); err {
			case nil, ErrClosing, io.EOF:

			default:
				errs = append(errs, err)
			}
		}
	})
	s.alive.Wait()
	return helpers.FoldErrors(errs)
}

func (s *Server) Listen(ctx context.Context) error {
	s.Lock()
	defer s.Unlock()

	s.ctx = ctx
	s.log.Debugf("mqttsrv listen url=%s timeout=%v", s.opt.ListenURL, s.opt.NetworkTimeout)
	ns, err := s.newNetServer()
	if err != nil {
		return errors.Annotatef(err, "mqttsrv listen url=%s", s.opt.ListenURL)
	}
	if !s.alive.Add(1) {
		_ = ns.Close()
		return errors.Errorf("Listen after Close")
	}
	s.listen = ns
	go s.acceptLoop(ns)
	return nil
}

func (s *Server) NextID() packet.ID {
	u32 := atomic.AddUint32(&s.nextid, 1)
	return packet.ID(u32 % (1 << 16))
}

// Publish routes msg to matching subscribers and keeps the retained state.
// Delivery failure of one subscriber does not stop the others.
func (s *Server) Publish(ctx context.Context, msg *packet.Message) error {
	s.log.Debugf("mqttsrv publish msg=%s", messageString(msg))
	id := s.NextID()

	if msg.Retain {
		if len(msg.Payload) != 0 {
			s.retain.Set(msg.Topic, msg.Copy())
		} else {
			s.retain.Empty(msg.Topic)
		}
	}

	var _a [8]*subscription
	subs := _a[:0]
	uniq := make(map[string]struct{}) // deduplicate subscriptions
	for _, x := range s.subs.Match(msg.Topic) {
		xsub := x.(*subscription)
		if _, ok := uniq[xsub.client]; !ok {
			uniq[xsub.client] = struct{}{}
			subs = append(subs, xsub)
		}
	}
	if len(subs) == 0 {
		return nil
	}

	errch := make(chan error, len(subs))
	wg := sync.WaitGroup{}
	helpers.WithLock(s.backends.RLocker(), func() {
		for _, sub := range subs {
			b, ok := s.backends.m[sub.client]
			if !ok {
				continue
			}
			wg.Add(1)
			bmsg := msg.Copy()
			bmsg.QOS = sub.qos
			go func() {
				defer wg.Done()
				if err := b.Publish(ctx, id, bmsg); err != nil {
					errch <- err
				}
			}()
		}
	})
	wg.Wait()
	close(errch)
	return helpers.FoldErrChan(errch)
}

func (s *Server) Retain() []*packet.Message {
	xs := s.retain.All()
	if len(xs) == 0 {
		return nil
	}
	ms := make([]*packet.Message, len(xs))
	for i, x := range xs {
		ms[i] = x.(*packet.Message)
	}
	return ms
}

func (s *Server) newNetServer() (*transport.NetServer, error) {
	u, err := url.ParseRequestURI(s.opt.ListenURL)
	if err != nil {
		return nil, errors.Annotate(err, "parse url")
	}

	switch u.Scheme {
	case "tls":
		ns, err := transport.CreateSecureNetServer(u.Host, s.opt.TLS)
		if err != nil {
			return nil, errors.Annotate(err, "CreateSecureNetServer")
		}
		return ns, nil

	case "tcp", "unix":
		listen, err := net.Listen(u.Scheme, u.Host)
		if err != nil {
			return nil, errors.Annotatef(err, "net.Listen network=%s address=%s", u.Scheme, u.Host)
		}
		return transport.NewNetServer(listen), nil
	}
	return nil, errors.Errorf("unsupported listen url=%s", s.opt.ListenURL)
}

func (s *Server) acceptLoop(ns *transport.NetServer) {
	defer s.alive.Done() // one alive subtask for the listener
	for {
		conn, err := ns.Accept()
		if !s.alive.IsRunning() {
			return
		}
		if err != nil {
			err = errors.Annotatef(err, "accept listen=%s", s.opt.ListenURL)
			s.log.Error(err)
			s.alive.Stop()
			return
		}

		if !s.alive.Add(1) { // and one alive subtask for each connection
			_ = conn.Close()
			return
		}
		go s.processConn(conn)
	}
}

func (s *Server) onAccept(ctx context.Context, conn transport.Conn) (*backend, error) {
	var pkt packet.Generic
	var err error
	addr := addrString(conn.RemoteAddr())
	defer errors.DeferredAnnotatef(&err, "addr=%s", addr)
	// Receive first packet without backend
	pkt, err = conn.Receive()
	if err != nil {
		return nil, errors.Trace(err)
	}

	pktConnect, ok := pkt.(*packet.Connect)
	if !ok {
		err = broker.ErrUnexpectedPacket
		return nil, errors.Trace(err)
	}

	connack := packet.NewConnack()
	connack.SessionPresent = false

	if pktConnect.ClientID == "" {
		connack.ReturnCode = packet.IdentifierRejected
		_ = conn.Send(connack, false)
		err = errors.Annotatef(broker.ErrNotAuthorized, "clientid=empty")
		return nil, errors.Trace(err)
	}
	if !s.authorize(pktConnect) {
		connack.ReturnCode = packet.NotAuthorized
		_ = conn.Send(connack, false)
		err = broker.ErrNotAuthorized
		return nil, errors.Trace(err)
	}

	willString := "-"
	if pktConnect.Will != nil {
		willString = pktConnect.Will.String()
	}
	s.log.Debugf("mqttsrv CONNECT addr=%s client=%s username=%s keepalive=%d will=%s",
		addr, pktConnect.ClientID, pktConnect.Username, pktConnect.KeepAlive, willString)

	connack.ReturnCode = packet.ConnectionAccepted
	readTimeout := s.opt.NetworkTimeout
	if pktConnect.KeepAlive != 0 {
		readTimeout = keepaliveAndHalf(pktConnect.KeepAlive)
	}
	conn.SetReadTimeout(readTimeout)
	if err = conn.Send(connack, false); err != nil {
		return nil, errors.Trace(err)
	}

	return newBackend(ctx, conn, &s.opt, s.log, pktConnect), nil
}

func (s *Server) authorize(pktConnect *packet.Connect) bool {
	if s.opt.Username == "" {
		return true
	}
	return pktConnect.Username == s.opt.Username && pktConnect.Password == s.opt.Password
}

func (s *Server) processConn(conn transport.Conn) {
	defer s.alive.Done()

	addrNew := addrString(conn.RemoteAddr())
	conn.SetMaxWriteDelay(0)
	conn.SetReadLimit(s.opt.ReadLimit)
	conn.SetReadTimeout(s.opt.NetworkTimeout)
	b, err := s.onAccept(s.ctx, conn)
	if err != nil {
		s.log.Infof("mqttsrv onAccept addr=%s err=%v", addrNew, err)
		_ = conn.Close()
		return
	}

	helpers.WithLock(&s.backends, func() {
		// close existing client with same id
		if ex, ok := s.backends.m[b.id]; ok {
			s.log.Infof("mqttsrv client overtake id=%s ex=%s new=%s", b.id, addrString(ex.RemoteAddr()), addrNew)
			_ = ex.die(ErrSameClient)
		}
		s.backends.m[b.id] = b
	})

	// receive loop
	wg := sync.WaitGroup{}
	for {
		var pkt packet.Generic
		pkt, err = b.Receive()
		if !b.alive.IsRunning() || !s.alive.IsRunning() {
			_ = b.die(ErrClosing)
			break
		}
		if err != nil {
			break
		}
		wg.Add(1)
		go s.processPacket(b, pkt, &wg)
	}
	wg.Wait()

	graceTimeout := b.opt.NetworkTimeout
	_ = b.acks.Await(graceTimeout)
	b.acks.Clear()
	b.alive.WaitTasks()

	// mandatory cleanup on backend closed
	_ = b.die(ErrClosing)
	will, clean := b.getWill()
	helpers.WithLock(&s.backends, func() {
		if ex := s.backends.m[b.id]; b == ex {
			s.log.Debugf("mqttsrv bye id=%s clean=%t will=%v", b.id, clean, will)
			delete(s.backends.m, b.id)
		}
		for _, value := range s.subs.All() {
			if sub := value.(*subscription); sub.client == b.id {
				s.subs.Remove(sub.pattern, value)
			}
		}
	})
	if !clean && will != nil {
		_ = s.Publish(s.ctx, will)
	}
}

// on each incoming packet after connect handshake
func (s *Server) processPacket(b *backend, pkt packet.Generic, finally interface{ Done() }) {
	defer finally.Done()
	err := helpers.WithLockError(&s.backends, func() error {
		if ex := s.backends.m[b.id]; b != ex {
			s.log.Errorf("mqttsrv processPacket ignore from detached id=%s pkt=%s", b.id, pkt.String())
			_ = b.die(ErrSameClient)
			return ErrSameClient
		}
		return nil
	})
	if err != nil {
		return
	}

	switch pt := pkt.(type) {
	case *packet.Pingreq:
		err = b.Send(packet.NewPingresp())

	case *packet.Publish:
		if pubErr := s.Publish(b.ctx, &pt.Message); pubErr != nil {
			s.log.Errorf("mqttsrv deliver msg=%s err=%v", pt.Message.String(), pubErr)
		}
		// subscriber failure is not the publisher's problem, ack anyway
		switch pt.Message.QOS {
		case packet.QOSAtMostOnce:
		case packet.QOSAtLeastOnce:
			pktPuback := packet.NewPuback()
			pktPuback.ID = pt.ID
			err = b.Send(pktPuback)
		default:
			err = fmt.Errorf("qos %d is not supported", pt.Message.QOS)
		}

	case *packet.Puback:
		err = b.FulfillAck(pt.ID)

	case *packet.Subscribe:
		err = s.onSubscribe(b, pt)

	case *packet.Unsubscribe:
		err = s.onUnsubscribe(b, pt)

	case *packet.Pubrec, *packet.Pubrel, *packet.Pubcomp:
		err = fmt.Errorf("qos2 not supported")

	case *packet.Disconnect:
		b.onDisconnect()
		_ = b.die(nil)
		b.alive.Wait()
		return

	default:
		err = fmt.Errorf("code error packet is not handled pkt=%s", pkt.String())
	}
	if err != nil {
		_ = b.die(err)
	}
}

func (s *Server) onSubscribe(b *backend, pkt *packet.Subscribe) error {
	// A SUBSCRIBE packet with no payload is a protocol violation [MQTT-3.8.3-3].
	if len(pkt.Subscriptions) == 0 {
		return b.die(fmt.Errorf("subscribe request with empty sub list"))
	}
	suback := packet.NewSuback()
	suback.ID = pkt.ID
	suback.ReturnCodes = make([]packet.QOS, 0, len(pkt.Subscriptions))
	retained := s.subscribe(b, pkt.Subscriptions, suback)
	if err := b.Send(suback); err != nil {
		return errors.Annotate(err, "onSubscribe")
	}
	// retained catchup goes strictly after SUBACK
	for _, msg := range retained {
		pid := s.NextID()
		msg := msg
		go func() {
			_ = b.Publish(s.ctx, pid, msg)
		}()
	}
	return nil
}

func (s *Server) onUnsubscribe(b *backend, pkt *packet.Unsubscribe) error {
	for _, pattern := range pkt.Topics {
		for _, value := range s.subs.All() {
			if sub := value.(*subscription); sub.client == b.id && sub.pattern == pattern {
				s.subs.Remove(sub.pattern, value)
			}
		}
	}
	unsuback := packet.NewUnsuback()
	unsuback.ID = pkt.ID
	return errors.Annotate(b.Send(unsuback), "onUnsubscribe")
}

func (s *Server) subscribe(b *backend, subs []packet.Subscription, pktSubAck *packet.Suback) []*packet.Message {
	retained := make([]*packet.Message, 0, 4)
	for _, sub := range subs {
		sub2 := &subscription{
			pattern: sub.Topic,
			client:  b.id,
			qos:     sub.QOS,
		}
		if sub2.qos > packet.QOSAtLeastOnce {
			sub2.qos = packet.QOSAtLeastOnce
		}
		s.subs.Add(sub2.pattern, sub2)
		if pktSubAck != nil {
			pktSubAck.ReturnCodes = append(pktSubAck.ReturnCodes, sub2.qos)
		}
		for _, v := range s.retain.Search(sub2.pattern) {
			m := v.(*packet.Message).Copy()
			if m.QOS > sub2.qos {
				m.QOS = sub2.qos
			}
			retained = append(retained, m)
		}
	}
	return retained
}
