package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/allsmog/zkid-go/pkg/api"
	"github.com/allsmog/zkid-go/pkg/identity"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Walk a running server through register, login, verify and /me",
	Long: `demo acts as a client of a running zkid server. It registers an
identity from one face image, saves the returned QR envelope, logs in with a
second image of the same person and verifies the proof. The access token is
then presented to /me.`,
	RunE: runDemo,
}

var demoFlags struct {
	server        string
	nid           string
	password      string
	registerImage string
	loginImage    string
	qrOut         string
	skipRegister  bool
}

func init() {
	f := demoCmd.Flags()
	f.StringVar(&demoFlags.server, "server", "http://localhost:8080", "zkid server base URL")
	f.StringVar(&demoFlags.nid, "nid", "", "national ID number")
	f.StringVar(&demoFlags.password, "password", "", "envelope password")
	f.StringVar(&demoFlags.registerImage, "register-image", "", "face image used at registration")
	f.StringVar(&demoFlags.loginImage, "login-image", "", "face image used at login (default: register image)")
	f.StringVar(&demoFlags.qrOut, "qr", "identity.png", "where to write or read the envelope QR")
	f.BoolVar(&demoFlags.skipRegister, "skip-register", false, "log in with an existing QR file")
	demoCmd.MarkFlagRequired("password")
}

// demoClient talks to the zkid HTTP API.
type demoClient struct {
	baseURL    string
	httpClient *http.Client
}

func runDemo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c := &demoClient{
		baseURL:    strings.TrimRight(demoFlags.server, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	loginImage := demoFlags.loginImage
	if loginImage == "" {
		loginImage = demoFlags.registerImage
	}

	log.Infof("zkid demo against %s", c.baseURL)

	if !demoFlags.skipRegister {
		if demoFlags.nid == "" || demoFlags.registerImage == "" {
			return fmt.Errorf("--nid and --register-image are required to register")
		}
		log.Info("Step 1: Registering identity")
		qr, nidHash, err := c.register(ctx, demoFlags.nid, demoFlags.password, demoFlags.registerImage)
		if err != nil {
			return fmt.Errorf("register: %w", err)
		}
		if err := os.WriteFile(demoFlags.qrOut, qr, 0o600); err != nil {
			return err
		}
		log.Infof("Registered %s, envelope QR written to %s", nidHash, demoFlags.qrOut)
	}

	qr, err := os.ReadFile(demoFlags.qrOut)
	if err != nil {
		return fmt.Errorf("read envelope QR: %w", err)
	}

	log.Info("Step 2: Logging in (envelope + live face)")
	proof, err := c.login(ctx, qr, demoFlags.password, loginImage)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	log.Infof("Proof %s: R=%s... c=%s...", proof.ID, proof.Commitment[:16], proof.Challenge[:16])

	log.Info("Step 3: Verifying proof")
	v, err := c.verify(ctx, proof)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	log.Infof("Proof valid for %s", v.NIDHash)

	log.Info("Step 4: Replaying the same proof")
	if _, err := c.verify(ctx, proof); err == nil {
		return fmt.Errorf("replayed proof was accepted")
	}
	log.Info("Replay rejected")

	if v.Token == "" {
		log.Info("Server issues no tokens; done")
		return nil
	}

	log.Info("Step 5: Calling /me with the access token")
	var me api.MeResponse
	if err := c.do(ctx, http.MethodGet, "/me", v.Token, "", nil, &me); err != nil {
		return fmt.Errorf("me: %w", err)
	}
	log.Infof("Authenticated as %s (curve %s, token expires %s)", me.Subject, me.Curve, time.Unix(me.ExpiresAt, 0).Format(time.RFC3339))
	log.Info("Demo completed successfully")
	return nil
}

func (c *demoClient) register(ctx context.Context, nid, password, imagePath string) ([]byte, string, error) {
	image, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, "", err
	}
	body, ct, err := multipartForm(map[string]string{"nid": nid, "password": password}, map[string][]byte{"image": image})
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/register", body)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", ct)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, resp.Header.Get(api.HeaderNIDHash), nil
}

func (c *demoClient) login(ctx context.Context, qr []byte, password, imagePath string) (*identity.Proof, error) {
	image, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, err
	}
	body, ct, err := multipartForm(map[string]string{"password": password}, map[string][]byte{"envelope": qr, "image": image})
	if err != nil {
		return nil, err
	}

	var proof identity.Proof
	if err := c.do(ctx, http.MethodPost, "/login", "", ct, body, &proof); err != nil {
		return nil, err
	}
	return &proof, nil
}

func (c *demoClient) verify(ctx context.Context, proof *identity.Proof) (*identity.Verification, error) {
	payload, err := json.Marshal(proof)
	if err != nil {
		return nil, err
	}
	var v identity.Verification
	if err := c.do(ctx, http.MethodPost, "/verify", "", "application/json", bytes.NewReader(payload), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *demoClient) do(ctx context.Context, method, path, token, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func multipartForm(fields map[string]string, files map[string][]byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	for field, data := range files {
		part, err := mw.CreateFormFile(field, field)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
