package runtime

import (
	"net/http"

	"github.com/bytedance/sonic"
)

// StatusPath serves the JSON status document on the metrics port.
const StatusPath = "/api/status"

// Status is the document served on StatusPath.
type Status struct {
	Service   string         `json:"service"`
	Transport string         `json:"transport"`
	Consumers []ConsumerInfo `json:"consumers"`
	RPC       *RPCStatus     `json:"rpc,omitempty"`
}

// RPCStatus reports the requester's outstanding and unmatched responses.
type RPCStatus struct {
	ResponseTopic string `json:"response_topic"`
	Pending       int    `json:"pending"`
	Dropped       int64  `json:"dropped"`
}

// Status returns a snapshot of every consumer and the requester.
func (s *Service) Status() Status {
	s.mu.Lock()
	consumers := append([]*Consumer(nil), s.consumers...)
	s.mu.Unlock()

	st := Status{
		Service:   s.Conf.ServiceName,
		Transport: s.Conf.PubSubSystem,
		Consumers: make([]ConsumerInfo, 0, len(consumers)),
	}
	for _, c := range consumers {
		st.Consumers = append(st.Consumers, c.Info())
	}
	if s.requester != nil {
		st.RPC = &RPCStatus{
			ResponseTopic: s.requester.ResponseTopic(),
			Pending:       s.requester.Pending(),
			Dropped:       s.requester.Dropped(),
		}
	}
	return st
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if origin := s.allowedCORSOrigin(r.Header.Get("Origin")); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := sonic.Marshal(s.Status())
	if err != nil {
		s.Logger.Error("Failed to encode status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func (s *Service) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.StatusCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if requestOrigin != "" && allowed == requestOrigin {
			return requestOrigin
		}
	}
	return ""
}
