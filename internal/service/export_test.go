package service

var LoginAttemptsTotal = loginAttemptsTotal
