package ingestion

import (
	"errors"
	"fmt"
	"math"
	"regexp"

	"github.com/kernelci/kcidb-ingester/pkg/common/models"
)

// Document is a parsed KCIDB submission.
type Document map[string]interface{}

const (
	LatestMajor = 5
	LatestMinor = 3
)

// kindKeys maps record kinds to their top level array in a submission.
var kindKeys = map[string]string{
	models.KindIssue:    "issues",
	models.KindCheckout: "checkouts",
	models.KindBuild:    "builds",
	models.KindTest:     "tests",
	models.KindIncident: "incidents",
}

var requiredFields = map[string][]string{
	models.KindIssue:    {"id", "origin", "version"},
	models.KindCheckout: {"id", "origin"},
	models.KindBuild:    {"id", "origin", "checkout_id"},
	models.KindTest:     {"id", "origin", "build_id"},
	models.KindIncident: {"id", "origin", "issue_id", "issue_version"},
}

var (
	originPattern = regexp.MustCompile(`^[a-z0-9_]+$`)
	idPattern     = regexp.MustCompile(`^[a-z0-9_]+:.+$`)
	statuses      = map[string]struct{}{
		"FAIL": {}, "ERROR": {}, "MISS": {}, "PASS": {}, "DONE": {}, "SKIP": {},
	}
)

type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

func validationErrorf(format string, args ...interface{}) error {
	return ValidationError{reason: fmt.Errorf(format, args...)}
}

// Schema validates submissions and upgrades them to the latest revision.
type Schema interface {
	Validate(doc Document) error
	Upgrade(doc Document) (Document, error)
}

// KCIDBSchema checks the structural rules of KCIDB I/O schema v4 and v5.
type KCIDBSchema struct{}

func NewKCIDBSchema() *KCIDBSchema { return &KCIDBSchema{} }

func (s *KCIDBSchema) Validate(doc Document) error {
	if doc == nil {
		return validationErrorf("document: %w", errNotAnObject)
	}
	major, _, err := documentVersion(doc)
	if err != nil {
		return err
	}

	for _, kind := range models.Kinds {
		key := kindKeys[kind]
		raw, ok := doc[key]
		if !ok {
			continue
		}
		items, ok := raw.([]interface{})
		if !ok {
			return validationErrorf("%s: %w", key, errNotAnArray)
		}
		for i, item := range items {
			obj, ok := item.(map[string]interface{})
			if !ok {
				return validationErrorf("%s[%d]: %w", key, i, errNotAnObject)
			}
			if err := validateRecord(kind, major, obj); err != nil {
				return validationErrorf("%s[%d]: %w", key, i, err)
			}
		}
	}
	return nil
}

func documentVersion(doc Document) (major, minor int64, err error) {
	version, ok := doc["version"].(map[string]interface{})
	if !ok {
		return 0, 0, validationErrorf("version: %w", errMissingField)
	}
	major, ok = asInt(version["major"])
	if !ok {
		return 0, 0, validationErrorf("version.major: %w", errMissingField)
	}
	if major != 4 && major != 5 {
		return 0, 0, validationErrorf("version %d: %w", major, errInvalidVersion)
	}
	minor, ok = asInt(version["minor"])
	if !ok || minor < 0 {
		return 0, 0, validationErrorf("version.minor: %w", errInvalidVersion)
	}
	return major, minor, nil
}

func validateRecord(kind string, major int64, obj map[string]interface{}) error {
	for _, field := range requiredFields[kind] {
		if v, ok := obj[field]; !ok || v == nil {
			return fmt.Errorf("%s: %w", field, errMissingField)
		}
	}

	origin, ok := obj["origin"].(string)
	if !ok || !originPattern.MatchString(origin) {
		return fmt.Errorf("origin %v does not match %s", obj["origin"], originPattern)
	}
	if err := checkID("id", obj["id"]); err != nil {
		return err
	}

	switch kind {
	case models.KindIssue:
		if v, ok := asInt(obj["version"]); !ok || v < 0 {
			return fmt.Errorf("version %v is not a non-negative integer", obj["version"])
		}
	case models.KindBuild:
		if err := checkID("checkout_id", obj["checkout_id"]); err != nil {
			return err
		}
		if major < 5 {
			if v, present := obj["valid"]; present && v != nil {
				if _, ok := v.(bool); !ok {
					return fmt.Errorf("valid %v is not a boolean", v)
				}
			}
		} else if err := checkStatus(obj); err != nil {
			return err
		}
	case models.KindTest:
		if err := checkID("build_id", obj["build_id"]); err != nil {
			return err
		}
		if err := checkStatus(obj); err != nil {
			return err
		}
	case models.KindIncident:
		if err := checkID("issue_id", obj["issue_id"]); err != nil {
			return err
		}
		if _, ok := asInt(obj["issue_version"]); !ok {
			return fmt.Errorf("issue_version %v is not an integer", obj["issue_version"])
		}
		for _, ref := range []string{"build_id", "test_id"} {
			if v, present := obj[ref]; present && v != nil {
				if err := checkID(ref, v); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func checkID(field string, v interface{}) error {
	s, ok := v.(string)
	if !ok || !idPattern.MatchString(s) {
		return fmt.Errorf("%s %v does not match %s", field, v, idPattern)
	}
	return nil
}

func checkStatus(obj map[string]interface{}) error {
	v, present := obj["status"]
	if !present || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("status %v is not a string", v)
	}
	if _, ok := statuses[s]; !ok {
		return fmt.Errorf("status %q is not a known status", s)
	}
	return nil
}

// Upgrade rewrites doc in place to schema v5.3 and returns it.
func (s *KCIDBSchema) Upgrade(doc Document) (Document, error) {
	major, _, err := documentVersion(doc)
	if err != nil {
		return nil, err
	}

	if major == 4 {
		builds, _ := doc["builds"].([]interface{})
		for _, item := range builds {
			build, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if valid, ok := build["valid"].(bool); ok {
				if valid {
					build["status"] = "PASS"
				} else {
					build["status"] = "FAIL"
				}
			}
			delete(build, "valid")
		}
	}

	doc["version"] = map[string]interface{}{
		"major": float64(LatestMajor),
		"minor": float64(LatestMinor),
	}
	return doc, nil
}

func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}
