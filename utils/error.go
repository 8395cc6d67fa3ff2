package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

var ErrorDuplicateValue = errors.New("duplicate value")
