// Copyright 2023 bytetrade
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/emicklei/go-restful/v3"
	"github.com/go-resty/resty/v2"
	"golang.org/x/crypto/bcrypt"

	"premium/internal/conf"
)

const (
	// AccessTokenHeader carries the bcrypt-signed access token
	AccessTokenHeader = "X-Access-Token"

	verifyPath = "/api/v1/receipts/verify"
	accessPath = "/permission/v1alpha1/access"
)

// Request is the receipt verification payload. The user id must be resolved
// fresh by the caller at verification time.
type Request struct {
	Receipt       string `json:"receipt"`
	ProductID     string `json:"productId"`
	TransactionID string `json:"transactionId"`
	UserID        string `json:"userId"`
}

// Response is the verification verdict tied to the authenticated user
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type accessTokenRequest struct {
	AppKey    string `json:"app_key"`
	Timestamp int64  `json:"timestamp"`
	Token     string `json:"token"`
}

type accessTokenResp struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		AccessToken string `json:"access_token"`
	} `json:"data"`
}

// Client calls the remote receipt verification endpoint
type Client struct {
	HttpClient *resty.Client

	baseURL   string
	appKey    string
	appSecret string
}

// NewClient creates a verifier client from configuration
func NewClient(cfg conf.VerifierConfig) *Client {
	c := resty.New()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		HttpClient: c.SetTimeout(timeout),
		baseURL:    cfg.BaseURL,
		appKey:     cfg.AppKey,
		appSecret:  cfg.AppSecret,
	}
}

// getAccessToken obtains a short-lived token signed with the app secret
func (c *Client) getAccessToken() (string, error) {
	url := c.baseURL + accessPath
	now := time.Now().UnixMilli() / 1000

	password := c.appKey + strconv.Itoa(int(now)) + c.appSecret
	encode, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	resp, err := c.HttpClient.R().
		SetHeader(restful.HEADER_ContentType, restful.MIME_JSON).
		SetBody(accessTokenRequest{
			AppKey:    c.appKey,
			Timestamp: now,
			Token:     string(encode),
		}).
		SetResult(&accessTokenResp{}).
		Post(url)

	if err != nil {
		return "", err
	}

	if resp.StatusCode() != http.StatusOK {
		return "", errors.New(string(resp.Body()))
	}

	token := resp.Result().(*accessTokenResp)
	if token.Code != 0 {
		return "", errors.New(token.Message)
	}

	return token.Data.AccessToken, nil
}

// Verify submits the receipt for verification and returns the backend
// verdict. A transport failure or non-2xx status is returned as an error; a
// decoded response with Success=false is a backend rejection, not an error.
func (c *Client) Verify(ctx context.Context, req Request) (*Response, error) {
	if c.baseURL == "" {
		return nil, errors.New("verifier base URL is not configured")
	}
	if req.Receipt == "" {
		return nil, errors.New("receipt is empty")
	}
	if req.UserID == "" {
		return nil, errors.New("user id is empty")
	}

	r := c.HttpClient.R().
		SetContext(ctx).
		SetHeader(restful.HEADER_ContentType, restful.MIME_JSON).
		SetBody(req)

	// Token auth is skipped when no app key is configured (local setups)
	if c.appKey != "" {
		token, err := c.getAccessToken()
		if err != nil {
			return nil, fmt.Errorf("failed to get access token: %w", err)
		}
		r.SetHeader(AccessTokenHeader, token)
	}

	resp, err := r.Post(c.baseURL + verifyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to call verification service: %w", err)
	}

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, fmt.Errorf("verification service returned non-2xx status: %d, body: %s",
			resp.StatusCode(), string(resp.Body()))
	}

	// Decode the verdict from the raw body: an undecodable reply is a
	// transport failure, never a rejection
	var result Response
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("failed to decode verification verdict: %w, body: %s",
			err, string(resp.Body()))
	}
	return &result, nil
}
