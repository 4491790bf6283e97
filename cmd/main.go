package main

import (
	"context"
	"os"
	"time"

	"github.com/atlas-safety/coursebuilder-backend/internal/coursebuilder"
	"github.com/atlas-safety/coursebuilder-backend/internal/handlers"
	"github.com/atlas-safety/coursebuilder-backend/internal/observability"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/envutil"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/gcp"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/logger"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/openai"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/pinecone"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/tutorlms"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/wpmedia"
	"github.com/atlas-safety/coursebuilder-backend/internal/records"
	"github.com/atlas-safety/coursebuilder-backend/internal/server"
)

func main() {
	log, err := logger.New(envutil.Str("APP_ENV", "development"))
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx := context.Background()
	observability.Init(log)
	shutdownOtel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "coursebuilder-backend",
		Environment: envutil.Str("APP_ENV", "development"),
		Version:     envutil.Str("APP_VERSION", "dev"),
	})
	if shutdownOtel != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownOtel(shutdownCtx)
		}()
	}

	// Required backends: the service cannot do anything without a completion
	// model and an LMS to publish into.
	aiClient, err := openai.NewClient(log)
	if err != nil {
		log.Fatal("OpenAI client init failed", "error", err.Error())
	}
	lmsCfg, err := tutorlms.ConfigFromEnv()
	if err != nil {
		log.Fatal("Tutor LMS config missing", "error", err.Error())
	}
	lmsClient, err := tutorlms.New(log, lmsCfg)
	if err != nil {
		log.Fatal("Tutor LMS client init failed", "error", err.Error())
	}

	// Optional backends degrade individual pipeline stages, never the service.
	var retriever *coursebuilder.KnowledgeRetriever
	if pc, err := pinecone.New(log, pinecone.Config{APIKey: os.Getenv("PINECONE_API_KEY")}); err != nil {
		log.Warn("Pinecone unavailable; courses build without knowledge retrieval", "error", err.Error())
	} else if vectorStore, err := pinecone.NewVectorStore(log, pc); err != nil {
		log.Warn("Vector store unavailable; courses build without knowledge retrieval", "error", err.Error())
	} else {
		retriever = coursebuilder.NewKnowledgeRetriever(log, aiClient, vectorStore)
	}

	var mediaClient wpmedia.Client
	if mediaCfg, err := wpmedia.ConfigFromEnv(); err != nil {
		log.Warn("Media library unavailable; courses publish without images", "error", err.Error())
	} else if mediaClient, err = wpmedia.New(log, mediaCfg); err != nil {
		log.Warn("Media client init failed; courses publish without images", "error", err.Error())
	}

	var archive gcp.BucketService
	if archive, err = gcp.NewBucketService(log); err != nil {
		log.Warn("Asset archive unavailable; generated images kept only in media library", "error", err.Error())
		archive = nil
	}

	store, err := records.NewStore(log)
	if err != nil {
		log.Fatal("Record store init failed", "error", err.Error())
	}

	orchestrator := coursebuilder.NewCourseCreationOrchestrator(
		log,
		retriever,
		coursebuilder.NewCourseSynthesizer(log, aiClient),
		coursebuilder.NewImageAssetPipeline(log, aiClient, mediaClient, archive),
		coursebuilder.NewLmsPublisher(log, lmsClient),
		store,
	)

	router := server.NewRouter(server.RouterConfig{
		Log:                  log,
		CourseBuilderHandler: handlers.NewCourseBuilderHandler(log, orchestrator),
		RecordsHandler:       handlers.NewRecordsHandler(store),
	})

	addr := ":" + envutil.Str("PORT", "8080")
	log.Info("Course builder listening", "addr", addr)
	if err := router.Run(addr); err != nil {
		log.Fatal("Server exited", "error", err.Error())
	}
}
