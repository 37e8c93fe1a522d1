// Package client is a Go client for the mothership-gateway HTTP API.
//
// Backend services use it to find connected agents, dispatch tasks and
// broadcast directives:
//
//	c := client.New("http://localhost:8080", serviceToken)
//	res, err := c.Dispatch(ctx, gateway.DispatchRequest{
//	    AgentID:  agentID,
//	    TaskType: "summarize",
//	    Input:    json.RawMessage(`{"url":"..."}`),
//	}, 30*time.Second)
//
// Non-2xx responses are returned as *APIError, which unwraps to ErrNotFound
// or ErrConflict where applicable.
package client
