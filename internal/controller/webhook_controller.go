package controller

import (
	"net/http"

	"github.com/ledgersync/ledgersync/internal/service"
)

// WebhookController receives inbound deliveries from the remote platform.
type WebhookController struct {
	gate *service.InboxGate
}

func NewWebhookController(gate *service.InboxGate) *WebhookController {
	return &WebhookController{gate: gate}
}

// Receive admits one webhook delivery. The response is 202 whenever the
// delivery was durably recorded, even if it failed validation or is a
// duplicate; anything else would make the sender retry and amplify the
// duplicate load.
func (c *WebhookController) Receive(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := c.gate.Admit(r.Context(), req.EventType, req.SourceEntityID, req.Nonce, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := WebhookResponse{
		EventID:          res.Event.ID.String(),
		Duplicate:        res.Duplicate,
		Valid:            res.Event.IsValid,
		ValidationErrors: res.Event.ValidationErrs,
	}
	if res.Item != nil {
		id := res.Item.ID.String()
		resp.ItemID = &id
	}
	writeJSON(w, http.StatusAccepted, resp)
}
