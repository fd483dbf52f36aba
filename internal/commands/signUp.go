package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"telechat/internal/api"
	"telechat/internal/backend"
	"telechat/internal/config"
)

// ParseSignUp splits an email:password:username triple. The password may
// not contain a colon; the username may not either.
func ParseSignUp(spec string) (api.SignUpRequest, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return api.SignUpRequest{}, errors.New("expected email:password:username")
	}
	return api.SignUpRequest{Email: parts[0], Password: parts[1], Username: parts[2]}, nil
}

// SignUp creates an account through the running server.
func SignUp(spec string, cfg *config.Config) error {
	req, err := ParseSignUp(spec)
	if err != nil {
		return err
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(cfg.BaseURL, "/") + "/api/auth/signup"
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to sign up (Status: %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var session backend.Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("\nUser Created Successfully!\n")
	fmt.Printf("Username:          %s\n", req.Username)
	fmt.Printf("Email:             %s\n", session.Email)
	fmt.Printf("User ID:           %s\n\n", session.UserID)
	return nil
}
