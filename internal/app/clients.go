package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/yungbote/supplements-backend/internal/actions"
	"github.com/yungbote/supplements-backend/internal/clients/gcp"
	"github.com/yungbote/supplements-backend/internal/clients/openai"
	"github.com/yungbote/supplements-backend/internal/clients/redis"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
	"github.com/yungbote/supplements-backend/internal/platform/neo4jdb"
	"github.com/yungbote/supplements-backend/internal/temporalx"
)

// Clients holds the external connections. Every field may be nil when the
// matching config is empty.
type Clients struct {
	Redis    goredis.UniversalClient
	Neo4j    *neo4jdb.Client
	Temporal temporalsdkclient.Client
	Bucket   gcp.BucketService
	Speech   *gcp.SpeechProcessor
	Video    *gcp.VideoProcessor
	OpenAI   openai.Client
}

func wireClients(log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")
	var c Clients

	rdb, err := redis.NewClient(log, cfg.redisConfig())
	if err != nil {
		return c, fmt.Errorf("init redis: %w", err)
	}
	c.Redis = rdb

	n4j, err := neo4jdb.NewClient(log, cfg.neo4jConfig())
	if err != nil {
		c.Close(context.Background())
		return Clients{}, fmt.Errorf("init neo4j: %w", err)
	}
	c.Neo4j = n4j

	if cfg.Temporal.Enabled() {
		tc, err := temporalx.NewClient(log, cfg.Temporal)
		if err != nil {
			c.Close(context.Background())
			return Clients{}, fmt.Errorf("init temporal: %w", err)
		}
		c.Temporal = tc
	}

	if cfg.GCP.Enabled {
		if cfg.GCP.Bucket != "" {
			bucket, err := gcp.NewBucketService(log, cfg.GCP.Bucket)
			if err != nil {
				c.Close(context.Background())
				return Clients{}, fmt.Errorf("init bucket client: %w", err)
			}
			c.Bucket = bucket
		}
		speech, err := gcp.NewSpeechProcessor(log, cfg.speechConfig())
		if err != nil {
			c.Close(context.Background())
			return Clients{}, fmt.Errorf("init speech client: %w", err)
		}
		c.Speech = speech
		video, err := gcp.NewVideoProcessor(log)
		if err != nil {
			c.Close(context.Background())
			return Clients{}, fmt.Errorf("init video client: %w", err)
		}
		c.Video = video
	} else {
		log.Warn("GCP disabled; automatic transcription requests will fail")
	}

	if cfg.OpenAI.APIKey != "" {
		oc, err := openai.NewClient(log, cfg.openaiConfig())
		if err != nil {
			c.Close(context.Background())
			return Clients{}, fmt.Errorf("init openai client: %w", err)
		}
		c.OpenAI = oc
	} else {
		log.Warn("OPENAI_API_KEY not set; automatic translation and qual requests will fail")
	}
	return c, nil
}

// processors maps each automatic action to its external processor. Actions
// whose provider is not configured fail their instance instead of polling.
func (c Clients) processors(log *logger.Logger) actions.Router {
	r := actions.Router{
		actions.AutomaticGoogleTranscription: unavailable("transcription"),
		actions.AutomaticGoogleTranslation:   unavailable("translation"),
		actions.AutomaticQual:                unavailable("qual"),
		actions.AutomaticChainedQual:         unavailable("qual"),
	}
	if c.Speech != nil && c.Video != nil {
		r[actions.AutomaticGoogleTranscription] = gcp.NewTranscriber(log, c.Bucket, c.Speech, c.Video)
	}
	if c.OpenAI != nil {
		qual := openai.NewQualProcessor(log, c.OpenAI)
		r[actions.AutomaticGoogleTranslation] = openai.NewTranslationProcessor(log, c.OpenAI)
		r[actions.AutomaticQual] = qual
		r[actions.AutomaticChainedQual] = qual
	}
	return r
}

func unavailable(what string) actions.Processor {
	return actions.ProcessorFunc(func(ctx context.Context, req *actions.ProcessRequest) (*actions.ExternalResult, error) {
		return actions.Failed(what + " provider is not configured"), nil
	})
}

func (c Clients) Close(ctx context.Context) {
	if c.Speech != nil {
		_ = c.Speech.Close()
	}
	if c.Video != nil {
		_ = c.Video.Close()
	}
	if c.Bucket != nil {
		_ = c.Bucket.Close()
	}
	if c.Temporal != nil {
		c.Temporal.Close()
	}
	if c.Neo4j != nil {
		_ = c.Neo4j.Close(ctx)
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
}
