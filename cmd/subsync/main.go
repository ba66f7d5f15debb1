package main

import (
	"fmt"
	"log"
	"os"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/nexmobile/subsync/app/controllers"
	"github.com/nexmobile/subsync/app/repository"
	"github.com/nexmobile/subsync/internal/pkg/cache"
	"github.com/nexmobile/subsync/internal/pkg/database"
	"github.com/nexmobile/subsync/internal/pkg/entitlement"
	"github.com/nexmobile/subsync/internal/pkg/env"
	"github.com/nexmobile/subsync/internal/pkg/reconcile"
	"github.com/nexmobile/subsync/internal/pkg/router"
	"github.com/nexmobile/subsync/internal/pkg/subscription"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	repository.InitializeFactory(database.GetDB())

	svc := subscription.NewServiceFromDB(database.GetDB())
	controllers.SetSubscriptionService(svc)

	store := entitlement.NewRedisStore()
	checker := entitlement.NewChecker(
		entitlement.NewCache(store, nil),
		store,
		svc.Validators(),
		entitlement.NewLedgerReader(svc.Repo()),
	)
	controllers.SetEntitlementChecker(checker)

	// background sweeps
	reconcile.GetManager().Start()

	// Define possible base paths
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/subsync to project root
		"../../../", // Fallback
	}

	// Find the correct base path
	basePath := ""
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public"); !os.IsNotExist(err) {
			basePath = path
			break
		}
	}

	if basePath == "" {
		panic("Could not find project root directory")
	}

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName: "subsync",
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			"admin": env.GetEnv("METRICS_PASSWORD", "test"),
		},
	}), monitor.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: basePath + "public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app)

	return app
}
