package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

var ErrorObjectNotFound = errors.New("storage object not found")
