package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/portward/portward/internal/notify"
)

func notifyChannelsKey(userID uint64) string {
	return fmt.Sprintf("notify_channels::%d", userID)
}

func (s *Server) loadChannels(userID uint64) ([]notify.Channel, error) {
	raw, err := s.deps.Store.LoadSetting(notifyChannelsKey(userID))
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return []notify.Channel{}, nil
	}
	var channels []notify.Channel
	if err := json.Unmarshal([]byte(raw), &channels); err != nil {
		return nil, fmt.Errorf("decode stored channels: %w", err)
	}
	return channels, nil
}

func (s *Server) saveChannels(userID uint64, channels []notify.Channel) error {
	data, err := json.Marshal(channels)
	if err != nil {
		return err
	}
	return s.deps.Store.SaveSetting(notifyChannelsKey(userID), string(data))
}

// rebuildNotifiers swaps the live notifier chain to match the user's enabled
// channels. Channels that fail to build are skipped with a log line rather
// than taking the whole chain down.
func (s *Server) rebuildNotifiers(channels []notify.Channel) {
	if s.deps.Notify == nil {
		return
	}
	notifiers := []notify.Notifier{notify.NewLogNotifier(s.deps.Log)}
	for _, ch := range channels {
		if !ch.Enabled {
			continue
		}
		n, err := notify.BuildFilteredNotifier(ch)
		if err != nil {
			s.deps.Log.Error("skipping notification channel", "channel", ch.Name, "error", err)
			continue
		}
		notifiers = append(notifiers, n)
	}
	s.deps.Notify.Reconfigure(notifiers...)
}

func (s *Server) apiGetNotifications(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	channels, err := s.loadChannels(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]notify.Channel, 0, len(channels))
	for _, ch := range channels {
		out = append(out, notify.MaskSecrets(ch))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) apiPutNotifications(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	var incoming []notify.Channel
	if err := decodeJSON(r, &incoming); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	stored, err := s.loadChannels(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	prev := make(map[string]notify.Channel, len(stored))
	for _, ch := range stored {
		prev[ch.ID] = ch
	}

	for i := range incoming {
		if incoming[i].ID == "" {
			incoming[i].ID = notify.GenerateID()
		}
		if incoming[i].Name == "" {
			writeError(w, http.StatusBadRequest, "channel name is required")
			return
		}
		incoming[i] = restoreMaskedSecrets(incoming[i], prev)
		// Reject unknown provider types up front rather than at delivery time.
		if _, err := notify.BuildNotifier(incoming[i]); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := s.saveChannels(user.ID, incoming); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.rebuildNotifiers(incoming)

	out := make([]notify.Channel, 0, len(incoming))
	for _, ch := range incoming {
		out = append(out, notify.MaskSecrets(ch))
	}
	writeJSON(w, http.StatusOK, out)
}

// restoreMaskedSecrets swaps masked secret values ("abcd****") back to the
// stored plaintext, so a client can round-trip the GET response through PUT
// without re-entering every secret.
func restoreMaskedSecrets(in notify.Channel, prev map[string]notify.Channel) notify.Channel {
	old, ok := prev[in.ID]
	if !ok || old.Type != in.Type {
		return in
	}

	var cur, saved map[string]json.RawMessage
	if json.Unmarshal(in.Settings, &cur) != nil || json.Unmarshal(old.Settings, &saved) != nil {
		return in
	}

	changed := false
	for key, raw := range cur {
		if key == "headers" {
			var curHdr, savedHdr map[string]string
			if json.Unmarshal(raw, &curHdr) != nil || json.Unmarshal(saved[key], &savedHdr) != nil {
				continue
			}
			hdrChanged := false
			for h, v := range curHdr {
				if strings.Contains(v, "****") {
					if orig, ok := savedHdr[h]; ok {
						curHdr[h] = orig
						hdrChanged = true
					}
				}
			}
			if hdrChanged {
				merged, _ := json.Marshal(curHdr)
				cur[key] = merged
				changed = true
			}
			continue
		}

		var val string
		if json.Unmarshal(raw, &val) != nil {
			continue
		}
		if strings.Contains(val, "****") {
			if orig, ok := saved[key]; ok {
				cur[key] = orig
				changed = true
			}
		}
	}
	if !changed {
		return in
	}
	merged, _ := json.Marshal(cur)
	in.Settings = merged
	return in
}

func (s *Server) apiTestNotifications(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	var ch notify.Channel
	if err := decodeJSON(r, &ch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	// A masked channel from the GET response still tests against the real
	// stored secrets.
	stored, err := s.loadChannels(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	prev := make(map[string]notify.Channel, len(stored))
	for _, c := range stored {
		prev[c.ID] = c
	}
	ch = restoreMaskedSecrets(ch, prev)

	n, err := notify.BuildNotifier(ch)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	event := notify.Event{
		Type:          notify.EventUpdateAvailable,
		ContainerName: "portward-test",
		OldImage:      "nginx:1.25",
		NewImage:      "nginx:1.26",
		Summary:       "test notification",
		Timestamp:     s.deps.Now(),
	}
	if err := n.Send(r.Context(), event); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) apiNotificationEventTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, notify.AllEventTypes())
}

func (s *Server) apiPreviewTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Template  string `json:"template"`
		EventType string `json:"eventType"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Template == "" {
		writeError(w, http.StatusBadRequest, "template is required")
		return
	}

	rendered, err := notify.RenderPreview(req.Template, req.EventType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid template: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"rendered": rendered})
}
