package api_helper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/ztrue/tracerr"
	"golang.org/x/time/rate"
	"io"
	"net/http"
	"strconv"
	"strings"
)

type ApiClient struct {
	client       *http.Client
	ApiURL       string
	ExtraHeaders []Header
	Logger       zerolog.Logger
	// Limiter throttles outgoing requests when set.
	Limiter *rate.Limiter
	// RequestsCounter counts requests by method and status when set. Use NewRequestsCounter.
	RequestsCounter *prometheus.CounterVec
}

type serverError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Status  int    `json:"status"`
		TraceId string `json:"trace_id"`
	} `json:"error"`
}

type Header struct {
	Name  string
	Value string
}

func NewApiClient(apiUrl string, extraHeaders []Header, logger zerolog.Logger) *ApiClient {
	return &ApiClient{
		client:       &http.Client{},
		ApiURL:       strings.TrimSuffix(apiUrl, "/"),
		ExtraHeaders: extraHeaders,
		Logger:       logger,
	}
}

// WithHttpClient replaces the underlying http.Client.
func (apiClient *ApiClient) WithHttpClient(client *http.Client) *ApiClient {
	if client != nil {
		apiClient.client = client
	}
	return apiClient
}

// NewRequestsCounter creates and registers the requests counter on registerer.
// If an identical collector is already registered, it is reused.
func NewRequestsCounter(registerer prometheus.Registerer) (*prometheus.CounterVec, error) {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trustchain_api_requests_total",
		Help: "Number of requests sent to the trustchain API, by method and status code.",
	}, []string{"method", "status"})
	err := registerer.Register(counter)
	if err != nil {
		var alreadyRegistered prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegistered) {
			return alreadyRegistered.ExistingCollector.(*prometheus.CounterVec), nil
		}
		return nil, tracerr.Wrap(err)
	}
	return counter, nil
}

func (apiClient *ApiClient) count(method string, status int) {
	if apiClient.RequestsCounter != nil {
		apiClient.RequestsCounter.WithLabelValues(method, strconv.Itoa(status)).Inc()
	}
}

// MakeRequest sends a request and returns the response body.
// A 204 response returns a nil body. Any status other than expectedStatusCode or 204 returns a utils.APIError,
// with Status 0 when the server could not be reached.
func (apiClient *ApiClient) MakeRequest(ctx context.Context, method string, url string, requestBody []byte, headers []Header, expectedStatusCode int) ([]byte, error) {
	if apiClient.client == nil {
		apiClient.client = &http.Client{}
	}
	fullUrl := apiClient.ApiURL + url

	var body io.Reader
	if requestBody != nil {
		body = bytes.NewBuffer(requestBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullUrl, body)
	if err != nil {
		return nil, utils.APIError{Status: 0, Code: "REQUEST_ERROR", Details: err.Error(), Method: method, Url: fullUrl}
	}

	req.Header.Add("Accept", "application/json")
	if requestBody != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	req.Header.Add("X-Request-Id", uuid.NewString())

	for i := 0; i < len(apiClient.ExtraHeaders); i++ {
		req.Header.Add(apiClient.ExtraHeaders[i].Name, apiClient.ExtraHeaders[i].Value)
	}

	for i := 0; i < len(headers); i++ {
		req.Header.Add(headers[i].Name, headers[i].Value)
	}

	if apiClient.Limiter != nil {
		err = apiClient.Limiter.Wait(ctx)
		if err != nil {
			return nil, utils.APIError{Status: 0, Code: "RATE_LIMITER_ERROR", Details: err.Error(), Method: method, Url: fullUrl}
		}
	}

	apiClient.Logger.Debug().Str("requestId", req.Header.Get("X-Request-Id")).Msg("API call: " + method + " " + fullUrl)
	apiClient.Logger.Trace().Msg(fmt.Sprintf("Request body: %s", requestBody))
	resp, err := apiClient.client.Do(req)
	if err != nil {
		apiClient.count(method, 0)
		return nil, utils.APIError{Status: 0, Code: "NETWORK_ERROR", Details: err.Error(), Method: method, Url: fullUrl}
	}
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			apiClient.Logger.Warn().Err(err).Msg("Error closing response body")
		}
	}(resp.Body)
	apiClient.count(method, resp.StatusCode)

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, utils.APIError{Status: 0, Code: "RESPONSE_READER_ERROR", Details: err.Error(), Method: method, Url: fullUrl}
	}

	apiClient.Logger.Debug().Msg(fmt.Sprintf("Received response to %s %s, status code: %d", method, fullUrl, resp.StatusCode))
	apiClient.Logger.Trace().Msg(fmt.Sprintf("Response body: %s", responseBody))
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != expectedStatusCode {
		var responseServerError serverError
		err = json.Unmarshal(responseBody, &responseServerError)
		if err != nil || responseServerError.Error.Code == "" {
			return nil, utils.APIError{Status: resp.StatusCode, Code: "UNKNOWN", Raw: string(responseBody), Method: method, Url: fullUrl}
		}
		return nil, utils.APIError{
			Status:  resp.StatusCode,
			Code:    responseServerError.Error.Code,
			Id:      responseServerError.Error.TraceId,
			Details: responseServerError.Error.Message,
			Url:     fullUrl,
			Method:  method,
			Raw:     string(responseBody),
		}
	}

	return responseBody, nil
}
