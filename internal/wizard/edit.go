package wizard

import (
	"fmt"

	"github.com/google/uuid"

	"lessonbook/internal/model"
)

// SelectPackage picks a package. customHours is only kept for PackageCustom.
func (w *Wizard) SelectPackage(kind model.PackageKind, customHours int) error {
	w.mu.Lock()
	defer w.unlockAndFlush()
	if err := w.beginMutation(); err != nil {
		return err
	}
	switch kind {
	case model.PackageTenHours, model.PackageSixHours, model.PackageCustom:
	default:
		return fmt.Errorf("unknown package %q", kind)
	}

	w.sess.Package = model.PackageSelection{Kind: kind}
	if kind == model.PackageCustom {
		w.sess.Package.CustomHours = customHours
	}
	delete(w.fieldErrors, "package")
	delete(w.fieldErrors, "customHours")
	w.persist()
	return nil
}

// AddLesson appends a lesson request and returns its id.
func (w *Wizard) AddLesson(durationHours float64) (string, error) {
	w.mu.Lock()
	defer w.unlockAndFlush()
	if err := w.beginMutation(); err != nil {
		return "", err
	}
	if durationHours <= 0 {
		return "", fmt.Errorf("duration must be positive, got %v", durationHours)
	}

	id := uuid.NewString()
	w.sess.LessonRequests = append(w.sess.LessonRequests, model.LessonRequest{ID: id, Duration: durationHours})
	w.persist()
	return id, nil
}

func (w *Wizard) RemoveLesson(id string) error {
	w.mu.Lock()
	defer w.unlockAndFlush()
	if err := w.beginMutation(); err != nil {
		return err
	}
	idx := w.lessonIndex(id)
	if idx < 0 {
		return ErrLessonNotFound
	}
	w.sess.LessonRequests = append(w.sess.LessonRequests[:idx], w.sess.LessonRequests[idx+1:]...)
	w.fieldErrors = nil
	w.persist()
	return nil
}

// SetLessonDate changes the date and clears the start time, which may no longer be offered.
func (w *Wizard) SetLessonDate(id, date string) error {
	return w.updateLesson(id, func(l *model.LessonRequest) error {
		if l.Date != date {
			l.StartTime = ""
		}
		l.Date = date
		return nil
	})
}

// SetLessonDuration changes the duration and clears the start time.
func (w *Wizard) SetLessonDuration(id string, hours float64) error {
	return w.updateLesson(id, func(l *model.LessonRequest) error {
		if hours <= 0 {
			return fmt.Errorf("duration must be positive, got %v", hours)
		}
		if l.Duration != hours {
			l.StartTime = ""
		}
		l.Duration = hours
		return nil
	})
}

// SetLessonTime sets the start label. Whether it is still offered is checked when leaving the step.
func (w *Wizard) SetLessonTime(id, start string) error {
	return w.updateLesson(id, func(l *model.LessonRequest) error {
		l.StartTime = start
		return nil
	})
}

func (w *Wizard) SetLessonPickup(id, suburb, address string) error {
	return w.updateLesson(id, func(l *model.LessonRequest) error {
		l.PickupSuburb = suburb
		l.PickupAddress = address
		return nil
	})
}

func (w *Wizard) updateLesson(id string, apply func(l *model.LessonRequest) error) error {
	w.mu.Lock()
	defer w.unlockAndFlush()
	if err := w.beginMutation(); err != nil {
		return err
	}
	idx := w.lessonIndex(id)
	if idx < 0 {
		return ErrLessonNotFound
	}
	l := w.sess.LessonRequests[idx]
	if err := apply(&l); err != nil {
		return err
	}
	w.sess.LessonRequests[idx] = l
	for _, f := range []string{"date", "startTime", "pickupSuburb", "pickupAddress"} {
		delete(w.fieldErrors, lessonField(idx, f))
	}
	w.persist()
	return nil
}

// lessonIndex finds a lesson request by id. Caller holds mu.
func (w *Wizard) lessonIndex(id string) int {
	for i, l := range w.sess.LessonRequests {
		if l.ID == id {
			return i
		}
	}
	return -1
}

// SetLearner updates contact details, credentials and consent. The account id is set only by
// authentication and is left untouched.
func (w *Wizard) SetLearner(details model.LearnerDetails) error {
	w.mu.Lock()
	defer w.unlockAndFlush()
	if err := w.beginMutation(); err != nil {
		return err
	}
	details.ID = w.sess.Learner.ID
	w.sess.Learner = details
	w.fieldErrors = nil
	w.persist()
	return nil
}

// SetAuthMode switches the identify step between login and register.
func (w *Wizard) SetAuthMode(mode model.AuthMode) error {
	w.mu.Lock()
	defer w.unlockAndFlush()
	if err := w.beginMutation(); err != nil {
		return err
	}
	if mode != model.AuthModeLogin && mode != model.AuthModeRegister {
		return fmt.Errorf("unknown auth mode %q", mode)
	}
	w.sess.AuthMode = mode
	w.fieldErrors = nil
	w.banner = ""
	w.persist()
	return nil
}
