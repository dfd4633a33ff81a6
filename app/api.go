package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fiffu/subscribable/config"
	"github.com/fiffu/subscribable/lib"
	"github.com/fiffu/subscribable/lib/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func NewAPI(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, svc *lib.Service) *http.Server {
	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	srv := &http.Server{Addr: addr, Handler: router(cfg, log, svc)}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go srv.ListenAndServe()
			return nil
		},
		OnStop: srv.Shutdown,
	})

	return srv
}

func router(cfg *config.Config, log *zap.Logger, svc *lib.Service) http.Handler {
	ctrl := &controller{log, svc}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		if creds := cfg.GetCreds(); len(creds) > 0 {
			r.Use(middleware.BasicAuth("subscribable", creds))
		} else {
			log.Sugar().Info("Auth is disabled since no credentials are defined")
		}

		r.Post("/subscriptions", ctrl.subscribe)
		r.Delete("/subscriptions", ctrl.unsubscribe)

		r.Route("/users/{user_id}", func(r chi.Router) {
			r.Get("/subscriptions", ctrl.listSubscriptions)
			r.Get("/updates", ctrl.listUpdates)
			r.Post("/updates/{update_id}/viewed", ctrl.markViewed)
		})

		r.Get("/kinds/{kind}/notifiers", ctrl.notifyingAssociations)
	})

	return r
}

type controller struct {
	log *zap.Logger
	svc *lib.Service
}

func (ctrl *controller) reject(w http.ResponseWriter, status int, err error) {
	if err != nil {
		http.Error(w, err.Error(), status)
	} else {
		w.WriteHeader(status)
	}
}

func (ctrl *controller) resolve(w http.ResponseWriter, status int, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		ctrl.reject(w, http.StatusInternalServerError, err)
		ctrl.log.Sugar().Errorw("Request failed", "error", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if b != nil {
		w.Write(b)
	}
}

func (ctrl *controller) resourceRef(r *http.Request) (subscriberID uint, resourceType string, resourceID uint, err error) {
	subscriberID = parseInt(r.FormValue("subscriber_id"))
	resourceType = r.FormValue("resource_type")
	resourceID = parseInt(r.FormValue("resource_id"))

	if subscriberID == 0 {
		err = errors.New("subscriber_id is required")
	} else if resourceType == "" {
		err = errors.New("resource_type is required")
	} else if resourceID == 0 {
		err = errors.New("resource_id is required")
	}
	return
}

func (ctrl *controller) subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriberID, resourceType, resourceID, err := ctrl.resourceRef(r)
	if err != nil {
		ctrl.reject(w, http.StatusBadRequest, err)
		return
	}

	sub, err := ctrl.svc.Subscribe(ctx, subscriberID, resourceType, resourceID)
	if err != nil {
		ctrl.reject(w, http.StatusUnprocessableEntity, err)
		return
	}
	ctrl.resolve(w, http.StatusCreated, SubscriptionView{}.From(*sub))
}

func (ctrl *controller) unsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriberID, resourceType, resourceID, err := ctrl.resourceRef(r)
	if err != nil {
		ctrl.reject(w, http.StatusBadRequest, err)
		return
	}

	if err := ctrl.svc.Unsubscribe(ctx, subscriberID, resourceType, resourceID); err != nil {
		ctrl.reject(w, http.StatusInternalServerError, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, map[string]any{"unsubscribed": true})
}

func (ctrl *controller) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := parseInt(chi.URLParam(r, "user_id"))

	subs, err := ctrl.svc.ListSubscriptions(ctx, userID)
	if err != nil {
		ctrl.reject(w, http.StatusInternalServerError, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, FromMany[models.Subscription, SubscriptionView](subs))
}

func (ctrl *controller) listUpdates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := parseInt(chi.URLParam(r, "user_id"))

	updates, err := ctrl.svc.ListUpdates(ctx, userID)
	if err != nil {
		ctrl.reject(w, http.StatusInternalServerError, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, FromMany[models.Update, UpdateView](updates))
}

func (ctrl *controller) markViewed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := parseInt(chi.URLParam(r, "user_id"))
	updateID := parseInt(chi.URLParam(r, "update_id"))

	err := ctrl.svc.MarkViewed(ctx, userID, updateID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		ctrl.reject(w, http.StatusNotFound, err)
		return
	} else if err != nil {
		ctrl.reject(w, http.StatusInternalServerError, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, map[string]any{"viewed": true})
}

func (ctrl *controller) notifyingAssociations(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	ctrl.resolve(w, http.StatusOK, ctrl.svc.NotifyingAssociations(kind))
}

func parseInt(s string) uint {
	u, _ := strconv.ParseUint(s, 10, 64)
	return uint(u)
}
