package router

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"duasync/pkg/interfaces"
	"duasync/pkg/types"
)

// respond answers a request envelope, echoing its requestId
func (r *Router) respond(conn interfaces.Connection, req *types.Envelope, payload interface{}, failure error) {
	resp := &types.Envelope{Type: types.EventResponse, RequestID: req.RequestID}
	if failure != nil {
		resp.Error = failure.Error()
	} else {
		filled, err := types.NewEnvelope(types.EventResponse, payload)
		if err != nil {
			resp.Error = "failed to encode response"
		} else {
			resp.Data = filled.Data
		}
	}
	if err := conn.Send(resp); err != nil {
		log.Debug().Err(err).Str("conn", conn.ID()).Msg("response send failed")
	}
}

func (r *Router) handleContentMetadata(ctx context.Context, conn interfaces.Connection, env *types.Envelope) error {
	var req types.ContentMetadataRequest
	if len(env.Data) > 0 {
		if err := env.Decode(&req); err != nil {
			r.respond(conn, env, nil, err)
			return nil
		}
	}
	if r.catalog == nil {
		r.respond(conn, env, nil, ErrCatalogUnavailable)
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.opts.ContentTimeout)
	defer cancel()
	items, err := r.catalog.Metadata(lookupCtx, req.ContentType)
	if err != nil {
		log.Warn().Err(err).Str("type", req.ContentType).Msg("metadata lookup failed")
		r.respond(conn, env, nil, err)
		return nil
	}
	if items == nil {
		items = []types.ContentMetadata{}
	}
	r.respond(conn, env, items, nil)
	return nil
}

func (r *Router) handleContentBody(ctx context.Context, conn interfaces.Connection, env *types.Envelope) error {
	var req types.ContentBodyRequest
	if err := env.Decode(&req); err != nil {
		r.respond(conn, env, nil, err)
		return nil
	}
	if req.ContentType == "" || req.ContentID == "" {
		r.respond(conn, env, nil, errors.New("contentType and contentId are required"))
		return nil
	}
	if r.catalog == nil {
		r.respond(conn, env, nil, ErrCatalogUnavailable)
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.opts.ContentTimeout)
	defer cancel()
	body, err := r.catalog.Body(lookupCtx, req.ContentType, req.ContentID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrContentNotFound) {
			log.Warn().Err(err).Str("type", req.ContentType).Str("id", req.ContentID).Msg("body lookup failed")
		}
		r.respond(conn, env, nil, err)
		return nil
	}
	r.respond(conn, env, body, nil)
	return nil
}
