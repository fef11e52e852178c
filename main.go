package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"molva/internal/ai"
	"molva/internal/api"
	"molva/internal/auth"
	"molva/internal/chat"
	"molva/internal/commands"
	"molva/internal/config"
	"molva/internal/filestore"
	"molva/internal/http"
	"molva/internal/models"
	"molva/internal/notify"
	"molva/internal/presence"
	"molva/internal/rooms"
	"molva/internal/storage"
	"molva/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, addUser string) error {
	cfg, err := config.Load(addUser != "")
	if err != nil {
		return err
	}

	if addUser != "" {
		return commands.AddUser(addUser, cfg)
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}, bbStorage)
	if err != nil {
		return err
	}

	var presenceStore presence.Store
	if cfg.RedisAddr != "" {
		redisStore := presence.NewRedisStore(cfg.RedisAddr, cfg.PresenceTTL)
		defer func() { _ = redisStore.Close() }()
		presenceStore = redisStore
	} else {
		presenceStore = presence.NewMemoryStore(cfg.PresenceTTL)
	}

	blobs, err := filestore.NewLocalBlobStore(cfg.UploadsPath)
	if err != nil {
		return err
	}

	registry := ws.NewRegistry()
	roomService := rooms.NewService(bbStorage)
	chatService := chat.New(chat.Config{Store: bbStorage, Broadcaster: registry})
	typing := ws.NewTypingTracker(ctx)

	notifier := notify.NewGenerator(bbStorage, presenceStore, registry, notify.PushConfig{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subscriber:      cfg.VAPIDSubject,
	})

	var responder *ai.Responder
	if cfg.AIEndpoint != "" {
		aiUser, err := ensureUser(authService, bbStorage, cfg.AIUsername)
		if err != nil {
			return err
		}
		roomService.SetAutomatedUser(aiUser.ID)
		responder = ai.NewResponder(
			ai.NewHTTPProvider(cfg.AIEndpoint, cfg.AITimeout),
			chatService,
			roomService,
			bbStorage,
			notifier,
			ai.Config{UserID: aiUser.ID, Fallback: cfg.AIFallback, Timeout: cfg.AITimeout},
		)
	}

	wsConfig := ws.ServerConfig{
		Auth:     authService,
		Registry: registry,
		Rooms:    roomService,
		Presence: presenceStore,
		Messages: chatService,
		Store:    bbStorage,
		Notifier: notifier,
		Typing:   typing,
	}
	if responder != nil {
		wsConfig.Responder = responder
	}
	wsServer := ws.NewServer(wsConfig)

	apiHandlers := api.New(authService, chatService, roomService, bbStorage, blobs, typing, responder)

	adminServer := http.NewAdminServer(api.NewAdminHandler(authService), cfg.AdminAddr)
	apiServer := http.NewAPIServer(apiHandlers, wsServer, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

// ensureUser resolves a username to an existing account or creates one with
// a random password. Used for the automated participant.
func ensureUser(authService *auth.AuthService, store *storage.BboltStorage, username string) (models.User, error) {
	user, err := store.GetUserByUsername(username)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return models.User{}, err
	}

	passwordBytes := make([]byte, 16)
	if _, err := rand.Read(passwordBytes); err != nil {
		return models.User{}, err
	}
	return authService.Register(auth.RegisterRequest{
		Username: username,
		Password: hex.EncodeToString(passwordBytes),
	})
}

func main() {
	addUser := flag.String("add-user", "", "Username to create (creates user with random password and prints details)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addUser); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
