package errors

import (
	"errors"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Structured Errors", func() {
	Describe("AppError", func() {
		Context("basic error creation", func() {
			It("should create error with correct properties", func() {
				err := New(ErrorTypeValidation, "test message")

				Expect(err.Type).To(Equal(ErrorTypeValidation))
				Expect(err.Message).To(Equal("test message"))
				Expect(err.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(err.Details).To(BeEmpty())
				Expect(err.Cause).To(BeNil())
			})

			It("should implement error interface correctly", func() {
				err := New(ErrorTypeValidation, "test message")

				Expect(err.Error()).To(Equal("validation: test message"))
			})

			It("should include details in error string when present", func() {
				err := New(ErrorTypeValidation, "test message").WithDetails("extra info")

				Expect(err.Error()).To(Equal("validation: test message (extra info)"))
			})
		})

		Context("error wrapping", func() {
			It("should wrap underlying error", func() {
				originalErr := errors.New("original error")
				wrappedErr := Wrap(originalErr, ErrorTypeDatabase, "operation failed")

				Expect(wrappedErr.Cause).To(Equal(originalErr))
				Expect(wrappedErr.Unwrap()).To(Equal(originalErr))
				Expect(wrappedErr.Error()).To(Equal("database: operation failed: original error"))
			})

			It("should map each type to a status code", func() {
				Expect(New(ErrorTypeNotFound, "x").StatusCode).To(Equal(http.StatusNotFound))
				Expect(New(ErrorTypeConflict, "x").StatusCode).To(Equal(http.StatusConflict))
				Expect(New(ErrorTypeUpstream, "x").StatusCode).To(Equal(http.StatusBadGateway))
				Expect(New(ErrorTypeBudget, "x").StatusCode).To(Equal(http.StatusTooManyRequests))
				Expect(New(ErrorTypeInterrupted, "x").StatusCode).To(Equal(http.StatusServiceUnavailable))
			})
		})

		Context("As", func() {
			It("should identify the wrapped type", func() {
				err := fmtWrap(New(ErrorTypeConflict, "dup"))
				Expect(As(err, ErrorTypeConflict)).To(BeTrue())
				Expect(As(err, ErrorTypeValidation)).To(BeFalse())
			})
		})
	})
})

func fmtWrap(err error) error {
	return errors.Join(err)
}
