package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Thedongraphix/Minisend-sub003/internal/app"
	"github.com/Thedongraphix/Minisend-sub003/internal/bootstrap"
	"github.com/Thedongraphix/Minisend-sub003/internal/domain"
)

var orderRefresh bool

func orderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order [order-id]",
		Short: "Print an order and its status history",
		Args:  cobra.ExactArgs(1),
		RunE:  runOrder,
	}
	cmd.Flags().BoolVar(&orderRefresh, "refresh", false, "poll the provider once before printing")
	return cmd
}

func runOrder(cmd *cobra.Command, args []string) error {
	orderID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", args[0], err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	rt, err := bootstrap.New(ctx, cfg, bootstrap.Options{Publish: orderRefresh})
	if err != nil {
		return err
	}
	defer rt.Close()

	order, err := rt.Repository.FindOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	var view *app.OrderView
	if orderRefresh {
		view, err = rt.Service.RefreshOrder(ctx, orderID, order.OwnerID)
	} else {
		view, err = rt.Service.GetOrder(ctx, orderID)
	}
	if err != nil {
		return err
	}
	history, err := rt.Service.ListStatusHistory(ctx, orderID)
	if err != nil {
		return err
	}

	out := struct {
		Order   *app.OrderView              `json:"order"`
		History []domain.StatusHistoryEntry `json:"history"`
	}{Order: view, History: history}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
