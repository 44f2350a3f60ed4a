package wizard

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"lessonbook/internal/model"
	"lessonbook/internal/timeparse"
)

type registerForm struct {
	FirstName       string `json:"firstName" validate:"required"`
	LastName        string `json:"lastName" validate:"required"`
	Email           string `json:"email" validate:"required,email"`
	Phone           string `json:"phone" validate:"required"`
	Password        string `json:"password" validate:"required,min=6"`
	ConfirmPassword string `json:"confirmPassword" validate:"required,eqfield=Password"`
	AcceptTerms     bool   `json:"acceptTerms" validate:"required"`
}

type loginForm struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldErrors runs struct validation and maps failures to user-facing messages keyed by JSON field name.
func fieldErrors(v *validator.Validate, form any) map[string]string {
	err := v.Struct(form)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return map[string]string{"form": err.Error()}
	}

	out := make(map[string]string, len(ves))
	for _, fe := range ves {
		out[fe.Field()] = messageFor(fe)
	}
	return out
}

func messageFor(fe validator.FieldError) string {
	switch {
	case fe.Field() == "acceptTerms":
		return "you must accept the terms and conditions"
	case fe.Tag() == "required":
		return "is required"
	case fe.Tag() == "email":
		return "must be a valid email address"
	case fe.Tag() == "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case fe.Tag() == "eqfield":
		return "passwords do not match"
	default:
		return "is invalid"
	}
}

func validateRegister(v *validator.Validate, l model.LearnerDetails) map[string]string {
	return fieldErrors(v, registerForm{
		FirstName:       strings.TrimSpace(l.FirstName),
		LastName:        strings.TrimSpace(l.LastName),
		Email:           strings.TrimSpace(l.Email),
		Phone:           strings.TrimSpace(l.Phone),
		Password:        l.Password,
		ConfirmPassword: l.ConfirmPassword,
		AcceptTerms:     l.AcceptTerms,
	})
}

func validateLogin(v *validator.Validate, l model.LearnerDetails) map[string]string {
	return fieldErrors(v, loginForm{Email: strings.TrimSpace(l.Email), Password: l.Password})
}

func validatePackage(p model.PackageSelection) map[string]string {
	switch {
	case !p.Selected():
		return map[string]string{"package": "select a package"}
	case p.Kind == model.PackageCustom && p.CustomHours < 1:
		return map[string]string{"customHours": "enter at least 1 hour"}
	case p.Hours() < 1:
		return map[string]string{"package": "unknown package"}
	}
	return nil
}

func lessonField(i int, name string) string {
	return fmt.Sprintf("lessons[%d].%s", i, name)
}

// validateSchedule checks the local step-3 rules: a lesson with any field filled needs all of them,
// lessons on the same day must not overlap, and scheduled hours fit in the package.
func validateSchedule(lessons []model.LessonRequest, packageHours int) map[string]string {
	out := map[string]string{}

	type span struct {
		idx        int
		start, end int
	}
	byDate := map[string][]span{}
	var hours float64

	for i, l := range lessons {
		if l.IsBlank() {
			continue
		}
		hours += l.Duration
		if l.Date == "" {
			out[lessonField(i, "date")] = "is required"
		}
		if l.StartTime == "" {
			out[lessonField(i, "startTime")] = "is required"
		}
		if strings.TrimSpace(l.PickupSuburb) == "" {
			out[lessonField(i, "pickupSuburb")] = "is required"
		}
		if strings.TrimSpace(l.PickupAddress) == "" {
			out[lessonField(i, "pickupAddress")] = "is required"
		}
		if l.Date == "" || l.StartTime == "" {
			continue
		}
		start, err := timeparse.ToMinutes(l.StartTime)
		if err != nil {
			out[lessonField(i, "startTime")] = "is not a valid time"
			continue
		}
		end := start + timeparse.HoursToMinutes(l.Duration)
		for _, other := range byDate[l.Date] {
			if start < other.end && end > other.start {
				out[lessonField(i, "startTime")] = fmt.Sprintf("overlaps lesson %d", other.idx+1)
			}
		}
		byDate[l.Date] = append(byDate[l.Date], span{idx: i, start: start, end: end})
	}

	if packageHours > 0 && hours > float64(packageHours) {
		out["lessons"] = fmt.Sprintf("scheduled %.1f hours but the package covers %d", hours, packageHours)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
