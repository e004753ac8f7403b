package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"lending-api/internal/analytics"
	"lending-api/internal/bucketing"
	"lending-api/internal/client"
	"lending-api/internal/config"
	"lending-api/internal/encryption"
	"lending-api/internal/events"
	"lending-api/internal/hashing"
	"lending-api/internal/metrics"
	"lending-api/internal/repository"
	mongorepo "lending-api/internal/repository/mongo"
	redisrepo "lending-api/internal/repository/redis"
	"lending-api/internal/repository/scylla"
	"lending-api/internal/search"
	"lending-api/internal/service"
	"lending-api/internal/tls"
	"lending-api/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	mongoClient      *client.MongoClient
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	smsClient        *client.SMSClient
	bureauClient     *client.BureauClient

	// Managers
	hasher            *hashing.Hasher
	payloadCipher     *encryption.PayloadCipher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	metrics           *metrics.Metrics

	// Repositories and sinks
	otpStore          repository.OTPStore
	rateLimitStore    repository.RateLimitStore
	profileRepository *scylla.ProfileRepository
	recorder          *analytics.SecurityRecorder
	publisher         *events.KafkaPublisher
	indexer           *search.MetricsIndexer

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := factory.initializeRepositories(); err != nil {
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	factory.initializeSinks()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("otp_store", cfg.OTP.Store),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("kafka_enabled", factory.kafkaProducer != nil),
		util.Bool("elasticsearch_enabled", factory.esClient != nil),
		util.Bool("clickhouse_enabled", factory.clickhouseClient != nil),
	)

	return factory, nil
}

// initializeClients connects the stores the request path depends on and the
// optional analytics sinks. Required stores fail startup; optional sinks only
// warn and are replaced by no-ops.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis backs the rate limiter, and the OTP store when selected
	if client, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = client
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// MongoDB
	if f.config.OTP.Store == "mongo" {
		if client, err := client.NewMongoClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("mongodb: %w", err))
		} else {
			f.mongoClient = client
			util.Info("MongoDB client initialized and healthy")
		}
	}

	// ScyllaDB
	if client, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = client
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		return fmt.Errorf("critical service initialization failed: %v", initErrors)
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}
	}

	// Elasticsearch
	if f.config.Elasticsearch.Enabled {
		if client, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
			util.Warn("Elasticsearch initialization failed - proceeding without search", util.ErrorField(err))
		} else {
			f.esClient = client
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if client, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			util.Warn("ClickHouse initialization failed - proceeding without analytics", util.ErrorField(err))
		} else {
			f.clickhouseClient = client
		}
	}

	f.smsClient = client.NewSMSClient(f.config)

	bureau, err := client.NewBureauClient(f.config)
	if err != nil {
		return fmt.Errorf("bureau: %w", err)
	}
	f.bureauClient = bureau

	return nil
}

// initializeManagers initializes hashing, encryption, bucketing and metrics
func (f *Factory) initializeManagers() error {
	f.hasher = hashing.NewHasher(f.config)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	cipher, err := encryption.NewPayloadCipher(f.config.Crypto.ServerSecret)
	if err != nil {
		return fmt.Errorf("payload cipher: %w", err)
	}
	f.payloadCipher = cipher

	var kmsAPI encryption.KMSAPI
	if f.config.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		kmsClient, err := encryption.NewKMSClient(ctx, f.config)
		if err != nil {
			return fmt.Errorf("kms: %w", err)
		}
		kmsAPI = kmsClient
	}
	f.encryptionManager = encryption.NewEncryptionManager(f.config, kmsAPI, f.payloadCipher)

	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	f.metrics = m

	util.Info("Managers initialized successfully",
		util.Bool("hashing_initialized", f.hasher != nil),
		util.Bool("encryption_initialized", f.encryptionManager != nil),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
	)
	return nil
}

// ==============================
// Repository Initialization
// ==============================

func (f *Factory) initializeRepositories() error {
	switch f.config.OTP.Store {
	case "mongo":
		store := mongorepo.NewOTPStore(f.mongoClient.Collection(f.config.Mongo.OTPCollection))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.EnsureIndexes(ctx); err != nil {
			return err
		}
		f.otpStore = store
	case "redis":
		f.otpStore = redisrepo.NewOTPStore(f.redisClient)
	default:
		return fmt.Errorf("unknown OTP store %q", f.config.OTP.Store)
	}

	f.rateLimitStore = redisrepo.NewRateLimitStore(f.redisClient, f.config.RateLimit.KeyPrefix)
	f.profileRepository = scylla.NewProfileRepository(f.scyllaClient, f.bucketingManager)
	return nil
}

// initializeSinks wires the optional event, search and analytics outputs.
func (f *Factory) initializeSinks() {
	if f.kafkaProducer != nil {
		f.publisher = events.NewKafkaPublisher(f.kafkaProducer, f.config.Kafka.TopicPrefix, util.Get())
	}
	if f.esClient != nil {
		f.indexer = search.NewMetricsIndexer(f.esClient, f.config.Elasticsearch.MetricsIndex)
	}
	if f.clickhouseClient != nil {
		f.recorder = analytics.NewSecurityRecorder(f.clickhouseClient, f.bucketingManager, f.config.Clickhouse)
		f.recorder.Start()
	}
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		deps := service.Dependencies{
			Config:         f.config,
			OTPStore:       f.otpStore,
			RateLimitStore: f.rateLimitStore,
			Profiles:       f.profileRepository,
			Hasher:         f.hasher,
			Cipher:         f.payloadCipher,
			Sealer:         f.encryptionManager,
			Buckets:        f.bucketingManager,
			SMS:            f.smsClient,
			Bureau:         f.bureauClient,
			Metrics:        f.metrics,
		}
		// Typed nils must not reach the interface fields.
		if f.publisher != nil {
			deps.OTPEvents = f.publisher
			deps.CreditEvents = f.publisher
		}
		if f.indexer != nil {
			deps.Indexer = f.indexer
		}
		if f.recorder != nil {
			deps.Recorder = f.recorder
		}
		f.serviceFactory = service.NewServiceFactory(deps, util.Get())
	}
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

// HealthCheck reports failures keyed by component. Optional sinks that were
// never enabled are not reported.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.otpStore != nil {
		if err := f.otpStore.HealthCheck(ctx); err != nil {
			healthErrors["otp_store"] = err
		}
	} else {
		healthErrors["otp_store"] = fmt.Errorf("otp store not initialized")
	}

	if f.profileRepository != nil {
		if err := f.profileRepository.HealthCheck(ctx); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("profile repository not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

// IsHealthy ignores the optional sinks; the request path works without them.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	delete(healthErrors, "elasticsearch")
	delete(healthErrors, "clickhouse")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		// Flush buffered analytics before the ClickHouse connection goes away.
		if f.recorder != nil {
			f.recorder.Close()
			util.Info("Security recorder flushed")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.mongoClient != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := f.mongoClient.Close(ctx); err != nil {
				util.Error("Failed to close MongoDB client", util.ErrorField(err))
			}
			cancel()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Metrics() *metrics.Metrics {
	return f.metrics
}
