// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"
	"strings"

	"github.com/atelier-ai/atelier/pkg/orchestration"
	"github.com/atelier-ai/atelier/pkg/run"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagPrincipalProfile string
	flagStaffing         []string
	flagProject          string
)

var runCmd = &cobra.Command{
	Use:   "run [question...]",
	Short: "Execute one principal-direct run to completion",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runOnce,
}

func init() {
	runCmd.Flags().StringVar(&flagPrincipalProfile, "profile", "", "principal profile to staff (required)")
	runCmd.Flags().StringSliceVar(&flagStaffing, "staff", nil, "associate profiles available for dispatch")
	runCmd.Flags().StringVar(&flagProject, "project", "", "project id for snapshots")
	_ = runCmd.MarkFlagRequired("profile")
}

func runOnce(cmd *cobra.Command, args []string) error {
	a, err := buildApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	question := strings.Join(args, " ")
	rc, err := a.orch.CreateRun(orchestration.CreateOptions{
		ProjectID:        flagProject,
		RunType:          run.RunTypePrincipalDirect,
		Question:         question,
		PrincipalProfile: flagPrincipalProfile,
		ProfileList:      flagStaffing,
	})
	if err != nil {
		return err
	}
	a.logger.Info("run created", zap.String("run_id", rc.Meta.RunID))

	done, err := a.orch.StartPrincipalDirect(rc.Meta.RunID)
	if err != nil {
		return err
	}

	select {
	case <-done:
	case <-cmd.Context().Done():
		a.orch.StopRun(rc.Meta.RunID)
		<-done
	}

	rc.Lock.Lock()
	status := rc.Meta.Status
	rc.Lock.Unlock()
	fmt.Printf("run %s finished with status %s\n", rc.Meta.RunID, status)
	if status == run.RunStatusError {
		return fmt.Errorf("run ended with errors")
	}
	return nil
}
