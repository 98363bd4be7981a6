package session

import (
	"io"
	"io/ioutil"
	"net/http"
)

// Transport attaches the stored bearer token to outgoing requests.
// A 401 triggers a single refresh, after which the request is replayed once;
// a 403, or a 401 on the replay, ends the session.
type Transport struct {
	Base    http.RoundTripper // http.DefaultTransport if nil
	Manager *Manager
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.send(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
		return resp, nil
	}

	retry, _ := t.Manager.HandleStatus(req.Context(), resp.StatusCode)
	if !retry || (req.Body != nil && req.GetBody == nil) {
		return resp, nil
	}
	drain(resp)

	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		req = req.Clone(req.Context())
		req.Body = body
	}

	resp, err = t.send(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		t.Manager.Deny(resp.StatusCode)
	}
	return resp, nil
}

func (t *Transport) send(req *http.Request) (*http.Response, error) {
	// a RoundTripper must not modify the request it was given
	r := req.Clone(req.Context())
	if token := t.Manager.store.Read().Token; token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return t.base().RoundTrip(r)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(ioutil.Discard, resp.Body)
	_ = resp.Body.Close()
}
