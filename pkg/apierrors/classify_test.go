package apierrors_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/corval/dispatchd/pkg/apierrors"
)

func respond(status int, body string, headers map[string]string) *apierrors.HTTPResponse {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &apierrors.HTTPResponse{StatusCode: status, Headers: h, Body: []byte(body)}
}

var _ = Describe("Classify", func() {
	Describe("status mapping", func() {
		DescribeTable("maps statuses to categories",
			func(status int, expected apierrors.Category) {
				apiErr := apierrors.Classify(respond(status, "", nil), nil)
				Expect(apiErr.Category).To(Equal(expected))
				Expect(apiErr.StatusCode).To(Equal(status))
			},
			Entry("400 requires user action", 400, apierrors.CategoryRequiresUserAction),
			Entry("401 is an auth error", 401, apierrors.CategoryAuthError),
			Entry("403 resolves to user action", 403, apierrors.CategoryRequiresUserAction),
			Entry("404 requires user action", 404, apierrors.CategoryRequiresUserAction),
			Entry("409 requires user action", 409, apierrors.CategoryRequiresUserAction),
			Entry("422 requires user action", 422, apierrors.CategoryRequiresUserAction),
			Entry("429 is temporary", 429, apierrors.CategoryTemporaryFailure),
			Entry("500 is a system error", 500, apierrors.CategorySystemError),
			Entry("503 is a system error", 503, apierrors.CategorySystemError),
			Entry("302 falls through to unknown", 302, apierrors.CategoryUnknownError),
		)

		It("only marks temporary and network failures retryable", func() {
			Expect(apierrors.Classify(respond(429, "", nil), nil).CanRetry).To(BeTrue())
			Expect(apierrors.Classify(nil, context.DeadlineExceeded).CanRetry).To(BeTrue())
			Expect(apierrors.Classify(respond(422, "", nil), nil).CanRetry).To(BeFalse())
			Expect(apierrors.Classify(respond(500, "", nil), nil).CanRetry).To(BeFalse())
			Expect(apierrors.Classify(respond(401, "", nil), nil).CanRetry).To(BeFalse())
		})

		It("sets userActionRequired only for REQUIRES_USER_ACTION", func() {
			Expect(apierrors.Classify(respond(422, "", nil), nil).UserActionRequired).To(BeTrue())
			Expect(apierrors.Classify(respond(401, "", nil), nil).UserActionRequired).To(BeFalse())
			Expect(apierrors.Classify(respond(500, "", nil), nil).UserActionRequired).To(BeFalse())
		})
	})

	Describe("message extraction", func() {
		It("prefers the body message field", func() {
			apiErr := apierrors.Classify(respond(422, `{"message":"bad payload"}`, nil), nil)
			Expect(apiErr.Message).To(Equal("bad payload"))
		})

		It("falls back to the body error field", func() {
			apiErr := apierrors.Classify(respond(500, `{"error":"backend down"}`, nil), nil)
			Expect(apiErr.Message).To(Equal("backend down"))
		})

		It("falls back to the status text", func() {
			apiErr := apierrors.Classify(respond(404, "", nil), nil)
			Expect(apiErr.Message).To(Equal("Not Found"))
		})
	})

	Describe("validation errors", func() {
		It("reads the errors path", func() {
			apiErr := apierrors.Classify(respond(422, `{"errors":["bad date"]}`, nil), nil)
			Expect(apiErr.ValidationErrors).To(Equal([]string{"bad date"}))
		})

		It("reads the validationErrors path", func() {
			apiErr := apierrors.Classify(respond(400, `{"validationErrors":["x required","y required"]}`, nil), nil)
			Expect(apiErr.ValidationErrors).To(HaveLen(2))
		})

		It("reads the details path and stringifies objects", func() {
			apiErr := apierrors.Classify(respond(422, `{"details":[{"field":"dob","issue":"format"}]}`, nil), nil)
			Expect(apiErr.ValidationErrors).To(HaveLen(1))
			Expect(apiErr.ValidationErrors[0]).To(ContainSubstring("dob"))
		})

		It("prefers the first present path", func() {
			apiErr := apierrors.Classify(respond(422, `{"errors":["a"],"details":["b"]}`, nil), nil)
			Expect(apiErr.ValidationErrors).To(Equal([]string{"a"}))
		})

		It("does not extract for other statuses", func() {
			apiErr := apierrors.Classify(respond(500, `{"errors":["a"]}`, nil), nil)
			Expect(apiErr.ValidationErrors).To(BeNil())
		})
	})

	Describe("permission info on 403", func() {
		It("reads the body permission field", func() {
			apiErr := apierrors.Classify(respond(403, `{"permission":"records:write"}`, nil), nil)
			Expect(apiErr.PermissionInfo).NotTo(BeNil())
			Expect(apiErr.PermissionInfo.Permission).To(Equal("records:write"))
		})

		It("reads requiredPermissions from the body", func() {
			apiErr := apierrors.Classify(respond(403, `{"requiredPermissions":["a","b"]}`, nil), nil)
			Expect(apiErr.PermissionInfo.RequiredPermissions).To(Equal([]string{"a", "b"}))
		})

		It("falls back to the required-permission header", func() {
			apiErr := apierrors.Classify(respond(403, `{}`, map[string]string{"required-permission": "admin"}), nil)
			Expect(apiErr.PermissionInfo.Permission).To(Equal("admin"))
		})

		It("is nil when nothing is exposed", func() {
			apiErr := apierrors.Classify(respond(403, `{}`, nil), nil)
			Expect(apiErr.PermissionInfo).To(BeNil())
		})
	})

	Describe("user action guidance", func() {
		It("reads body userAction", func() {
			apiErr := apierrors.Classify(respond(409, `{"userAction":"resolve the duplicate"}`, nil), nil)
			Expect(apiErr.UserActionGuidance).To(Equal("resolve the duplicate"))
		})

		It("reads body userGuidance", func() {
			apiErr := apierrors.Classify(respond(400, `{"userGuidance":"fix the date"}`, nil), nil)
			Expect(apiErr.UserActionGuidance).To(Equal("fix the date"))
		})

		It("falls back to the user-action header", func() {
			apiErr := apierrors.Classify(respond(422, `{}`, map[string]string{"user-action": "contact support"}), nil)
			Expect(apiErr.UserActionGuidance).To(Equal("contact support"))
		})
	})

	Describe("Retry-After on 429", func() {
		It("parses integer seconds", func() {
			apiErr := apierrors.Classify(respond(429, "", map[string]string{"Retry-After": "2"}), nil)
			Expect(apiErr.RetryAfter).To(Equal(2 * time.Second))
		})

		It("floors sub-second values at one second", func() {
			apiErr := apierrors.Classify(respond(429, "", map[string]string{"Retry-After": "0"}), nil)
			Expect(apiErr.RetryAfter).To(Equal(time.Second))
		})

		It("parses HTTP dates", func() {
			when := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
			apiErr := apierrors.Classify(respond(429, "", map[string]string{"Retry-After": when}), nil)
			Expect(apiErr.RetryAfter).To(BeNumerically(">", 5*time.Second))
			Expect(apiErr.RetryAfter).To(BeNumerically("<=", 10*time.Second))
		})

		It("yields zero when absent", func() {
			apiErr := apierrors.Classify(respond(429, "", nil), nil)
			Expect(apiErr.RetryAfter).To(BeZero())
		})
	})

	Describe("transport errors", func() {
		It("classifies deadline exceeded as a network timeout", func() {
			apiErr := apierrors.Classify(nil, context.DeadlineExceeded)
			Expect(apiErr.Category).To(Equal(apierrors.CategoryNetworkError))
			Expect(apiErr.Message).To(Equal("request timed out"))
		})

		It("classifies connection refused", func() {
			apiErr := apierrors.Classify(nil, syscall.ECONNREFUSED)
			Expect(apiErr.Category).To(Equal(apierrors.CategoryNetworkError))
			Expect(apiErr.Message).To(Equal("connection refused"))
		})

		It("classifies DNS failures", func() {
			apiErr := apierrors.Classify(nil, &net.DNSError{Name: "api.invalid", Err: "no such host"})
			Expect(apiErr.Category).To(Equal(apierrors.CategoryNetworkError))
			Expect(apiErr.Message).To(Equal("host not found"))
		})

		It("classifies everything else as unknown", func() {
			apiErr := apierrors.Classify(nil, errors.New("weird failure"))
			Expect(apiErr.Category).To(Equal(apierrors.CategoryUnknownError))
		})

		It("keeps the cause reachable through Unwrap", func() {
			cause := errors.New("boom")
			apiErr := apierrors.Classify(nil, cause)
			Expect(errors.Is(apiErr, cause)).To(BeTrue())
		})
	})
})
