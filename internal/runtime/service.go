package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"

	configpkg "github.com/drblury/hubflow/internal/runtime/config"
	envelopepkg "github.com/drblury/hubflow/internal/runtime/envelope"
	errspkg "github.com/drblury/hubflow/internal/runtime/errors"
	idspkg "github.com/drblury/hubflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/hubflow/internal/runtime/logging"
	"github.com/drblury/hubflow/internal/runtime/telemetry"
	transportpkg "github.com/drblury/hubflow/transport"
)

const (
	responseConsumerName = "rpc-responses"
	httpShutdownTimeout  = 5 * time.Second
)

// ProtoValidator validates decoded payloads. Implementations typically
// forward to protovalidate or a hand-written check.
type ProtoValidator interface {
	Validate(value any) error
}

// ServiceDependencies holds the optional collaborators of a Service. Leave
// fields nil to get the defaults.
type ServiceDependencies struct {
	Validator                 ProtoValidator
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool
	Hooks                     *JobHooks

	// Transports builds the transport named by Config.PubSubSystem. Defaults to
	// transport.DefaultRegistry.
	Transports *transportpkg.Registry
	// Transport skips the registry and uses an already built handle.
	Transport *transportpkg.Transport

	// SchemaRegistry overrides the registry chosen from Config.SchemaRegistryURL.
	SchemaRegistry envelopepkg.Registry
	// HTTPClient is used by the HTTP schema registry.
	HTTPClient *http.Client

	// Registerer receives the hubflow collectors. Defaults to the Prometheus
	// default registry.
	Registerer prometheus.Registerer
}

// Service owns the transport, codec, telemetry and producer shared by every
// consumer, responder and request of one process.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport transportpkg.Transport
	publisher message.Publisher
	codec     *envelopepkg.Codec
	telemetry *telemetry.Bridge
	producer  *Producer
	requester *Requester
	validator ProtoValidator

	middlewareMu sync.RWMutex
	middlewares  []HandlerMiddleware

	mu          sync.Mutex
	consumers   []*Consumer
	subscribers []message.Subscriber
	topics      map[string]struct{}
	startTypes  []proto.Message
	started     bool

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	ready chan struct{}
}

// NewService builds the transport once and wires codec, telemetry, producer
// and, when Config.RPCResponseTopic is set, the requester. Register consumers
// and responders before calling Start.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log.Info("Creating hub service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf.String(),
	})

	bridge, err := telemetry.New(deps.Registerer)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	tr, err := buildTransport(ctx, conf, log, deps)
	if err != nil {
		return nil, err
	}

	s := &Service{
		Conf:        conf,
		Logger:      log,
		transport:   tr,
		telemetry:   bridge,
		validator:   deps.Validator,
		topics:      make(map[string]struct{}),
		httpServers: make(map[int]*http.ServeMux),
		ready:       make(chan struct{}),
	}

	if err := s.init(deps); err != nil {
		_ = tr.Shutdown()
		return nil, err
	}
	return s, nil
}

func buildTransport(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (transportpkg.Transport, error) {
	if deps.Transport != nil {
		if err := deps.Transport.Validate(); err != nil {
			return transportpkg.Transport{}, err
		}
		return *deps.Transport, nil
	}
	registry := deps.Transports
	if registry == nil {
		registry = transportpkg.DefaultRegistry
	}
	return registry.Build(ctx, conf, loggingpkg.NewWatermillAdapter(log))
}

func (s *Service) init(deps ServiceDependencies) error {
	publisher, err := s.telemetry.DecoratePublisher(s.transport.Publisher)
	if err != nil {
		return fmt.Errorf("decorate publisher: %w", err)
	}
	s.publisher = publisher

	registry := deps.SchemaRegistry
	if registry == nil {
		if s.Conf.SchemaRegistryURL != "" {
			registry, err = envelopepkg.NewHTTPRegistry(s.Conf.SchemaRegistryURL, deps.HTTPClient)
			if err != nil {
				return err
			}
		} else {
			registry = envelopepkg.NewMemoryRegistry()
		}
	}
	s.codec, err = envelopepkg.NewCodec(registry, envelopepkg.CodecOptions{AutoRegister: s.Conf.SchemaAutoRegister})
	if err != nil {
		return err
	}

	s.producer, err = NewProducer(s.publisher, s.codec, ProducerConfig{
		Policy:      s.Conf.PublishPolicy(),
		MaxInFlight: s.Conf.PublishMaxInFlight,
		Retryable:   s.transport.IsRetryable,
	}, s.telemetry, s.Logger)
	if err != nil {
		return err
	}

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return err
	}

	if s.Conf.MetricsEnabled && s.Conf.MetricsPort > 0 {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", s.telemetry.Handler())
		s.RegisterHTTPHandler(s.Conf.MetricsPort, StatusPath, http.HandlerFunc(s.handleStatus))
	}

	if s.Conf.RPCResponseTopic != "" {
		s.requester, err = NewRequester(s.producer, s.Conf.RPCResponseTopic, s.Conf.RPCTimeout, s.telemetry, s.Logger)
		if err != nil {
			return err
		}
		// Every instance needs its own group so it sees its own responses.
		err = s.addConsumer(ConsumerConfig{
			Name:          responseConsumerName,
			Group:         fmt.Sprintf("%s@%s", responseConsumerName, s.instanceName()),
			Topics:        []string{s.Conf.RPCResponseTopic},
			Concurrency:   1,
			MaxDeliveries: 1,
		}, s.requester.HandleResponse)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var registrations []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		registrations = append(registrations, DefaultMiddlewares()...)
	}
	if deps.Hooks != nil {
		registrations = append(registrations, JobHooksMiddleware(*deps.Hooks))
	}
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) instanceName() string {
	name := s.Conf.ServiceName
	if name == "" {
		name = "hubflow"
	}
	return name + "-" + idspkg.NewMessageID()
}

// Producer returns the shared producer.
func (s *Service) Producer() *Producer { return s.producer }

// Requester returns the requester, or nil when no response topic is set.
func (s *Service) Requester() *Requester { return s.requester }

// Codec returns the envelope codec.
func (s *Service) Codec() *envelopepkg.Codec { return s.codec }

// Telemetry returns the telemetry bridge.
func (s *Service) Telemetry() *telemetry.Bridge { return s.telemetry }

// Transport returns the transport handle.
func (s *Service) Transport() transportpkg.Transport { return s.transport }

// RegisterTypes registers payload schemas with the codec so they can be
// published without auto-registration.
func (s *Service) RegisterTypes(ctx context.Context, msgs ...proto.Message) error {
	for _, msg := range msgs {
		if msg == nil {
			return &errspkg.SchemaError{Err: errspkg.ErrPayloadRequired}
		}
		if _, err := s.codec.RegisterType(ctx, msg.ProtoReflect().Type()); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a consumer running handler behind the middleware chain.
// Unset Concurrency, MaxDeliveries and DeadLetterTopic take the service
// defaults.
func (s *Service) Subscribe(cfg ConsumerConfig, handler HandlerFunc) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	return s.addConsumer(cfg, s.chain(handler))
}

// Respond registers a consumer that answers requests with fn.
func (s *Service) Respond(cfg ConsumerConfig, fn RespondFunc) error {
	handler, err := NewResponder(s.producer, fn, s.telemetry, s.Logger)
	if err != nil {
		return err
	}
	if err := s.Subscribe(cfg, handler); err != nil {
		return err
	}
	s.registerOnStart(ReplyTypes()...)
	return nil
}

// registerOnStart queues payload schemas to register when the service starts.
func (s *Service) registerOnStart(msgs ...proto.Message) {
	s.mu.Lock()
	s.startTypes = append(s.startTypes, msgs...)
	s.mu.Unlock()
}

func (s *Service) addConsumer(cfg ConsumerConfig, handler HandlerFunc) error {
	if cfg.Concurrency == 0 {
		cfg.Concurrency = s.Conf.ConsumerConcurrency
	}
	if cfg.MaxDeliveries == 0 {
		cfg.MaxDeliveries = s.Conf.ConsumerMaxDeliveries
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = s.Conf.DeadLetterTopic
	}
	cfg.Group = cfg.GroupName(s.Conf.ServiceName)
	if err := cfg.Validate(); err != nil {
		return errspkg.NewConfigValidationError(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("hubflow: consumers must be registered before Start")
	}

	sub, err := s.transport.NewSubscriber(cfg.Group)
	if err != nil {
		return &errspkg.TransportError{Op: "subscriber " + cfg.Group, Err: err}
	}
	decorated, err := s.telemetry.DecorateSubscriber(sub)
	if err != nil {
		_ = sub.Close()
		return fmt.Errorf("decorate subscriber: %w", err)
	}

	consumer, err := NewConsumer(cfg, decorated, s.codec, handler, s.publisher, s.telemetry, s.Logger)
	if err != nil {
		_ = sub.Close()
		return err
	}

	s.consumers = append(s.consumers, consumer)
	s.subscribers = append(s.subscribers, decorated)
	for _, topic := range cfg.Topics {
		s.topics[topic] = struct{}{}
	}
	if cfg.DeadLetterTopic != "" {
		s.topics[cfg.DeadLetterTopic] = struct{}{}
	}
	s.Logger.Info("Registered consumer", loggingpkg.LogFields{
		"consumer": cfg.Name,
		"group":    cfg.Group,
		"topics":   cfg.Topics,
	})
	return nil
}

// ProvisionTopics adds topics to create at Start when topic provisioning is
// enabled. Consumed and dead-letter topics are added automatically.
func (s *Service) ProvisionTopics(topics ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, topic := range topics {
		if topic != "" {
			s.topics[topic] = struct{}{}
		}
	}
}

// Start provisions topics, registers reply schemas and runs every consumer and
// HTTP server until ctx is cancelled or one of them fails.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("hubflow: service already started")
	}
	s.started = true
	consumers := append([]*Consumer(nil), s.consumers...)
	types := append([]proto.Message(nil), s.startTypes...)
	s.mu.Unlock()

	if err := s.provisionTopics(ctx); err != nil {
		return err
	}
	if err := s.RegisterTypes(ctx, types...); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		g.Go(func() error {
			if err := c.Run(gctx); err != nil {
				return fmt.Errorf("consumer %s: %w", c.Name(), err)
			}
			return nil
		})
	}
	s.startHTTPServers(gctx, g)

	go func() {
		for _, c := range consumers {
			select {
			case <-c.Ready():
			case <-gctx.Done():
				return
			}
		}
		close(s.ready)
	}()

	s.Logger.Info("Hub service started", loggingpkg.LogFields{"consumers": len(consumers)})
	return g.Wait()
}

// Ready is closed once every consumer is subscribed.
func (s *Service) Ready() <-chan struct{} { return s.ready }

func (s *Service) provisionTopics(ctx context.Context) error {
	if !s.Conf.KafkaCreateTopics || s.transport.Topics == nil {
		return nil
	}

	s.mu.Lock()
	topics := make([]string, 0, len(s.topics)+2)
	for topic := range s.topics {
		topics = append(topics, topic)
	}
	s.mu.Unlock()
	for _, topic := range []string{s.Conf.CreditsRequestTopic, s.Conf.CreditsConfirmTopic} {
		if topic != "" && !slices.Contains(topics, topic) {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)

	for _, topic := range topics {
		err := s.transport.Topics.CreateTopic(ctx, topic, s.Conf.TopicPartitions(), s.Conf.TopicReplication())
		if err != nil {
			return &errspkg.TransportError{Op: "create topic " + topic, Err: err}
		}
	}
	s.Logger.Info("Provisioned topics", loggingpkg.LogFields{"topics": topics})
	return nil
}

// Close drains the producer, closes every subscriber and then the transport.
// Cancel the Start context first so consumers stop taking work.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if err := s.producer.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("producer: %w", err))
	}

	s.mu.Lock()
	subscribers := s.subscribers
	s.subscribers = nil
	s.mu.Unlock()
	for _, sub := range subscribers {
		if err := sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("subscriber: %w", err))
		}
	}

	if err := s.transport.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("transport: %w", err))
	}
	return errors.Join(errs...)
}

// RegisterHTTPHandler mounts handler on the server listening on port. Servers
// start with Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}
	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers(ctx context.Context, g *errgroup.Group) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})

		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
}
