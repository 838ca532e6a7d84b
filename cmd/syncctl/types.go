package main

import (
	"github.com/kubeflow/datasync/pkg/datasync"
	"github.com/kubeflow/datasync/pkg/jobs"
	"github.com/kubeflow/datasync/pkg/manifest"
)

type jobListResponse struct {
	Address        string           `json:"address"`
	Jobs           []jobs.JobStatus `json:"jobs"`
	Size           int              `json:"size"`
	LastReconciled string           `json:"lastReconciled,omitempty"`
}

type reconcileResponse struct {
	Items []struct {
		Name   string `json:"name"`
		Result string `json:"result"`
		Error  string `json:"error,omitempty"`
	} `json:"items"`
	Removed []string       `json:"removed,omitempty"`
	Counts  map[string]int `json:"counts"`
}

type specItem struct {
	datasync.SyncSpec
	Windows        int64 `json:"windows"`
	PendingWindows int64 `json:"pendingWindows"`
}

type specListResponse struct {
	Items       []specItem `json:"items"`
	Size        int        `json:"size"`
	SourceTypes []string   `json:"sourceTypes"`
}

type windowItem struct {
	datasync.Window
	SpendTime string `json:"spendTime"`
}

type windowListResponse struct {
	Items []windowItem `json:"items"`
	Size  int          `json:"size"`
}

type backfillResponse struct {
	Specs   int            `json:"specs"`
	Windows int            `json:"windows"`
	PerSpec map[string]int `json:"perSpec"`
	Error   string         `json:"error,omitempty"`
}

type planResponse struct {
	SpecID  uint `json:"specId"`
	Windows int  `json:"windows"`
}

type triggerResponse struct {
	Status string `json:"status"`
	Job    string `json:"job,omitempty"`
	SpecID uint   `json:"specId,omitempty"`
}

type applyResponse = manifest.Result
