// Copyright 2021-2022 The bookingrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"net/http"

	"github.com/alwitt/bookingrelay/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// requestTagger attaches the request parameters to the request context
type requestTagger struct {
	common.Component
	requestIDHeader string
}

// attachRequestID middleware function to attach a request ID to a API request
func (h requestTagger) attachRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := ""
		if h.requestIDHeader != "" {
			reqID = r.Header.Get(h.requestIDHeader)
		}
		if reqID == "" {
			reqID = uuid.New().String()
		}
		log.WithFields(h.LogTags).Debugf("New request ID %s", reqID)
		ctx := common.AttachRequestParam(r.Context(), common.RequestParam{
			ID: reqID, Method: r.Method, URI: r.URL.String(),
		})
		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}

// withSession extend the request parameters in a context with the serving session
func withSession(ctxt context.Context, session string) context.Context {
	param, ok := ctxt.Value(common.RequestParam{}).(common.RequestParam)
	if !ok {
		param = common.RequestParam{ID: session}
	}
	param.Session = session
	return common.AttachRequestParam(ctxt, param)
}
